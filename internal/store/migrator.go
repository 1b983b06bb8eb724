package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"loom-backend/internal/metadata"
)

// Migrator keeps physical tables in step with entity metadata. It only ever
// adds: new tables, new columns, new indexes. Dropping or retyping columns
// is left to operators.
type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate creates the entity's table if missing, otherwise adds whatever
// columns and indexes the definition has gained since.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table %s: %w", entity.Table, err)
	}
	if !exists {
		if err := m.createTable(ctx, entity); err != nil {
			return err
		}
	} else if err := m.addMissingColumns(ctx, entity); err != nil {
		return err
	}
	return m.ensureIndexes(ctx, entity)
}

// MigrateJoinTable creates the link table for a many-to-many relation. Key
// column types are copied from the joined entities' key fields.
func (m *Migrator) MigrateJoinTable(ctx context.Context, rel *metadata.Relation, sourceEntity, targetEntity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table %s: %w", rel.JoinTable, err)
	}
	if exists {
		return nil
	}

	srcKey := sourceEntity.GetField(rel.SourceKey)
	tgtKey := targetEntity.GetField(targetEntity.PrimaryKey.Field)
	if srcKey == nil || tgtKey == nil {
		return fmt.Errorf("join table %s: key fields unresolvable", rel.JoinTable)
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s %s NOT NULL,\n  %s %s NOT NULL,\n  PRIMARY KEY (%s, %s)\n)",
		rel.JoinTable,
		rel.SourceJoinKey, m.store.Dialect.ColumnType(srcKey.Type, srcKey.Precision),
		rel.TargetJoinKey, m.store.Dialect.ColumnType(tgtKey.Type, tgtKey.Precision),
		rel.SourceJoinKey, rel.TargetJoinKey)
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.JoinTable, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	cols := make([]string, 0, len(entity.Fields)+1)
	for i := range entity.Fields {
		cols = append(cols, m.columnDDL(entity, &entity.Fields[i]))
	}
	if entity.SoftDelete && !entity.HasField("deleted_at") {
		cols = append(cols, "deleted_at "+m.store.Dialect.ColumnType("timestamp", 0))
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	return nil
}

func (m *Migrator) addMissingColumns(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", entity.Table, err)
	}

	addColumn := func(name, ddlType, suffix string) error {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s", entity.Table, name, ddlType, suffix)
		if _, err := m.store.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, name, err)
		}
		return nil
	}

	for _, f := range entity.Fields {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		suffix := ""
		if f.Required && !f.Nullable {
			// Existing rows need a value for the new NOT NULL column.
			suffix = " NOT NULL DEFAULT ''"
		}
		if err := addColumn(f.Name, m.store.Dialect.ColumnType(f.Type, f.Precision), suffix); err != nil {
			return err
		}
	}

	if entity.SoftDelete {
		if _, ok := existing["deleted_at"]; !ok {
			if err := addColumn("deleted_at", m.store.Dialect.ColumnType("timestamp", 0), ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Migrator) columnDDL(entity *metadata.Entity, f *metadata.Field) string {
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteByte(' ')
	b.WriteString(m.store.Dialect.ColumnType(f.Type, f.Precision))

	isPK := f.Name == entity.PrimaryKey.Field
	if isPK {
		b.WriteString(" PRIMARY KEY")
		if entity.PrimaryKey.Generated && entity.PrimaryKey.Type == "uuid" {
			if def := m.store.Dialect.UUIDDefault(); def != "" {
				b.WriteByte(' ')
				b.WriteString(def)
			}
		}
		return b.String()
	}

	if f.Required && !f.Nullable {
		b.WriteString(" NOT NULL")
	}
	if f.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(m.defaultLiteral(f.Default))
	}
	return b.String()
}

func (m *Migrator) defaultLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return "'" + val + "'"
	case float64:
		return fmt.Sprintf("%v", val)
	case bool:
		if m.store.Dialect.Name() == "sqlite" {
			if val {
				return "1"
			}
			return "0"
		}
		return fmt.Sprintf("%t", val)
	default:
		return fmt.Sprintf("'%v'", val)
	}
}

func (m *Migrator) ensureIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if !f.Unique {
			continue
		}
		stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, f.Name, entity.Table, f.Name)
		if _, err := m.store.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("unique index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}
	if entity.SoftDelete {
		if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SoftDeleteIndexSQL(entity.Table)); err != nil {
			return fmt.Errorf("soft delete index on %s: %w", entity.Table, err)
		}
	}
	return nil
}

// GenerateUUID makes an id in application code, for dialects whose DDL
// cannot default uuid primary keys and for system rows inserted directly.
func GenerateUUID() string {
	return uuid.New().String()
}
