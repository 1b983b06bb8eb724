package engine

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"loom-backend/internal/instrument"
	"loom-backend/internal/storage"
	"loom-backend/internal/store"
)

// FileHandler serves /api/_files: multipart uploads into a FileStorage
// backend with metadata rows in _files, plus streaming download and delete.
type FileHandler struct {
	store   *store.Store
	storage storage.FileStorage
	maxSize int64
}

func NewFileHandler(s *store.Store, fs storage.FileStorage, maxSize int64) *FileHandler {
	return &FileHandler{store: s, storage: fs, maxSize: maxSize}
}

// RegisterFileRoutes mounts the upload and download endpoints.
func RegisterFileRoutes(app *fiber.App, h *FileHandler, middleware ...fiber.Handler) {
	grp := app.Group("/api/_files", middleware...)
	grp.Post("/", h.Upload)
	grp.Get("/", h.List)
	grp.Get("/:id", h.Serve)
	grp.Delete("/:id", h.Delete)
}

// fileRecord is the subset of a _files row the handlers work with.
type fileRecord struct {
	ID          string
	Filename    string
	StoragePath string
	MimeType    string
}

// loadFileRecord fetches the metadata row for a stored file.
func (h *FileHandler) loadFileRecord(ctx context.Context, id string) (*fileRecord, error) {
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT filename, storage_path, mime_type FROM _files WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	rec := &fileRecord{ID: id}
	rec.Filename, _ = row["filename"].(string)
	rec.StoragePath, _ = row["storage_path"].(string)
	rec.MimeType, _ = row["mime_type"].(string)
	return rec, nil
}

func (h *FileHandler) Upload(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "storage", "file", "file.upload")
	defer span.End()
	c.SetUserContext(ctx)

	fail := func(err error, stage string) error {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return fmt.Errorf("%s: %w", stage, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		span.SetStatus("error")
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Missing file in form data"))
	}
	span.SetMetadata("filename", file.Filename)
	span.SetMetadata("size", file.Size)

	if file.Size > h.maxSize {
		msg := fmt.Sprintf("File too large: %d bytes (max %d)", file.Size, h.maxSize)
		span.SetStatus("error")
		span.SetMetadata("error", msg)
		return respondError(c, NewAppError("FILE_TOO_LARGE", 413, msg))
	}

	src, err := file.Open()
	if err != nil {
		return fail(err, "open uploaded file")
	}
	defer src.Close()

	rec := fileRecord{
		ID:       uuid.New().String(),
		Filename: file.Filename,
		MimeType: file.Header.Get("Content-Type"),
	}
	if rec.MimeType == "" {
		rec.MimeType = "application/octet-stream"
	}

	rec.StoragePath, err = h.storage.Save(c.Context(), rec.ID, rec.Filename, src)
	if err != nil {
		return fail(err, "save file")
	}

	var uploadedBy *string
	if user := getUser(c); user != nil {
		uploadedBy = &user.ID
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf(`INSERT INTO _files (id, filename, storage_path, mime_type, size, uploaded_by)
	        VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(rec.ID), pb.Add(rec.Filename), pb.Add(rec.StoragePath),
			pb.Add(rec.MimeType), pb.Add(file.Size), pb.Add(uploadedBy)),
		pb.Params()...)
	if err != nil {
		// The blob is already on disk; don't leave it orphaned.
		_ = h.storage.Delete(c.Context(), rec.StoragePath)
		return fail(err, "insert _files")
	}

	span.SetStatus("ok")
	span.SetMetadata("file_id", rec.ID)
	return c.Status(201).JSON(fiber.Map{
		"data": fiber.Map{
			"id":        rec.ID,
			"filename":  rec.Filename,
			"size":      file.Size,
			"mime_type": rec.MimeType,
			"url":       "/api/_files/" + rec.ID,
		},
	})
}

func (h *FileHandler) Serve(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "storage", "file", "file.serve")
	defer span.End()
	c.SetUserContext(ctx)

	id := c.Params("id")
	span.SetMetadata("file_id", id)

	rec, err := h.loadFileRecord(c.Context(), id)
	if err != nil {
		span.SetStatus("error")
		return respondError(c, NotFoundError("file", id))
	}

	reader, err := h.storage.Open(c.Context(), rec.StoragePath)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return fmt.Errorf("open stored file: %w", err)
	}
	defer reader.Close()

	c.Set("Content-Type", rec.MimeType)
	c.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, rec.Filename))

	span.SetStatus("ok")
	return c.SendStream(reader)
}

func (h *FileHandler) Delete(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "storage", "file", "file.delete")
	defer span.End()
	c.SetUserContext(ctx)

	id := c.Params("id")
	span.SetMetadata("file_id", id)

	rec, err := h.loadFileRecord(c.Context(), id)
	if err != nil {
		span.SetStatus("error")
		return respondError(c, NotFoundError("file", id))
	}

	if err := h.storage.Delete(c.Context(), rec.StoragePath); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return fmt.Errorf("delete stored file: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _files WHERE id = %s", pb.Add(id)), pb.Params()...); err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		return fmt.Errorf("delete _files row: %w", err)
	}

	span.SetStatus("ok")
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}

func (h *FileHandler) List(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT id, filename, mime_type, size, uploaded_by, created_at FROM _files ORDER BY created_at DESC")
	if err != nil {
		return fmt.Errorf("list _files: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}
