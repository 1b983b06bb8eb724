package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Slugify turns arbitrary text into a URL slug: accents stripped via NFD
// decomposition, everything outside [a-z0-9] collapsed to single hyphens.
func Slugify(text string) string {
	decomposed := norm.NFD.String(text)
	var b strings.Builder
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining marks left over from decomposition
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// autoGenerateSlug fills the entity's slug field from its configured source
// field. Explicitly provided slugs win. On update, regeneration only happens
// when the entity opts in and the source value actually changed.
func autoGenerateSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, fields map[string]any, isCreate bool, old map[string]any, existingID any) error {
	cfg := entity.Slug
	if cfg == nil || cfg.Source == "" {
		return nil
	}

	if val, ok := fields[cfg.Field]; ok && val != nil && fmt.Sprintf("%v", val) != "" {
		return nil
	}

	sourceVal, hasSource := fields[cfg.Source]
	if !hasSource || sourceVal == nil || fmt.Sprintf("%v", sourceVal) == "" {
		return nil
	}
	newSource := fmt.Sprintf("%v", sourceVal)

	if !isCreate {
		if !cfg.RegenerateOnUpdate {
			return nil
		}
		if fmt.Sprintf("%v", old[cfg.Source]) == newSource {
			return nil
		}
	}

	var excludeID any
	if !isCreate {
		excludeID = existingID
	}
	slug, err := uniqueSlug(ctx, q, entity, dialect, Slugify(newSource), excludeID)
	if err != nil {
		return fmt.Errorf("generate slug: %w", err)
	}
	fields[cfg.Field] = slug
	return nil
}

// uniqueSlug probes the table for the base slug, then base-2, base-3, and so
// on. On update the row being written is excluded so a record keeps its own
// slug. The probe gives up at -100; slug collisions that deep mean the source
// field is degenerate and a numeric suffix is as good as anything.
func uniqueSlug(ctx context.Context, q store.Querier, entity *metadata.Entity, dialect store.Dialect, base string, excludeID any) (string, error) {
	taken := func(candidate string) (bool, error) {
		pb := dialect.NewParamBuilder()
		sql := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s", entity.Table, entity.Slug.Field, pb.Add(candidate))
		if entity.SoftDelete {
			sql += " AND deleted_at IS NULL"
		}
		if excludeID != nil {
			sql += fmt.Sprintf(" AND %s != %s", entity.PrimaryKey.Field, pb.Add(excludeID))
		}
		rows, err := store.QueryRows(ctx, q, sql+" LIMIT 1", pb.Params()...)
		if err != nil {
			return false, err
		}
		return len(rows) > 0, nil
	}

	used, err := taken(base)
	if err != nil {
		return "", err
	}
	if !used {
		return base, nil
	}

	for i := 2; i <= 100; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return fmt.Sprintf("%s-%d", base, 101), nil
}
