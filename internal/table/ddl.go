package table

import (
	"context"
	"sort"
	"strings"

	"github.com/koustreak/blockidx/internal/database"
	"github.com/koustreak/blockidx/internal/logger"
)

// EnsureTable creates the table and its composite indexes the first time it
// is called for (conn, schema.TableName) in this process. Concurrent first
// callers share one run. "Already exists" errors from a concurrent creator
// in another process are ignored; any other DDL failure is returned and the
// next call retries.
func EnsureTable(ctx context.Context, reg *database.Registry, conn *database.Conn, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	return reg.EnsureOnce(ctx, conn, schema.TableName, func(ctx context.Context) error {
		return createTable(ctx, conn, &schema, reg.Logger().With().Str("table", schema.TableName).Logger())
	})
}

func createTable(ctx context.Context, conn *database.Conn, schema *Schema, log *logger.Logger) error {
	exists, err := conn.TableExists(ctx, schema.TableName)
	if err != nil {
		return err
	}
	if exists {
		log.DebugWith("table already present", map[string]interface{}{"pool": conn.Key()})
		return nil
	}

	d := conn.Dialect()
	stmts := d.CreateTable(schema.definition())

	names := make([]string, 0, len(schema.CompositeIndexes))
	for name := range schema.CompositeIndexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stmts = append(stmts, d.AddIndex(schema.TableName, name, normalizeParts(schema.CompositeIndexes[name])))
	}

	for _, stmt := range stmts {
		if _, err := conn.DB().ExecContext(ctx, stmt); err != nil {
			if d.IsAlreadyExists(err) {
				log.DebugWith("ddl raced with another creator", map[string]interface{}{"sql": stmt})
				continue
			}
			return d.MapError(err, "failed to create table "+schema.TableName)
		}
	}
	log.InfoWith("table created", map[string]interface{}{
		"pool":    conn.Key(),
		"indexes": len(names),
	})
	return nil
}

func normalizeParts(parts []IndexPart) []IndexPart {
	out := make([]IndexPart, len(parts))
	for i, p := range parts {
		dir := strings.ToLower(p.Direction)
		if dir == "" {
			dir = "asc"
		}
		out[i] = IndexPart{Key: p.Key, Direction: dir}
	}
	return out
}
