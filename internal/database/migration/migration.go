package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

type migrationStep struct {
	Name string
	SQL  string
}

var steps = []migrationStep{
	{
		Name: "create_extension_uuid_ossp",
		SQL:  `CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	},
	{
		Name: "create_table_models",
		SQL: `CREATE TABLE IF NOT EXISTS models (
  id              UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  tenant_id       UUID        NOT NULL,
  slug            TEXT        NOT NULL,
  name            TEXT        NOT NULL,
  description     TEXT        NOT NULL DEFAULT '',
  current_version TEXT        NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  deleted_at      TIMESTAMPTZ
);`,
	},
	{
		Name: "create_unique_index_models_tenant_slug",
		SQL:  `CREATE UNIQUE INDEX IF NOT EXISTS idx_models_tenant_slug ON models (tenant_id, slug) WHERE deleted_at IS NULL;`,
	},
	{
		Name: "create_index_models_tenant_created_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_models_tenant_created_at ON models (tenant_id, created_at);`,
	},
	{
		Name: "create_table_model_versions",
		SQL: `CREATE TABLE IF NOT EXISTS model_versions (
  id             UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  model_id       UUID        NOT NULL REFERENCES models (id) ON DELETE CASCADE,
  label          TEXT        NOT NULL,
  name           TEXT        NOT NULL DEFAULT '',
  description    TEXT        NOT NULL DEFAULT '',
  thumbnail_key  TEXT,
  print_settings JSONB,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  deleted_at     TIMESTAMPTZ,
  UNIQUE (model_id, label)
);`,
	},
	{
		Name: "create_index_model_versions_model_created_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_model_versions_model_created_at ON model_versions (model_id, created_at DESC);`,
	},
	{
		Name: "create_table_model_files",
		SQL: `CREATE TABLE IF NOT EXISTS model_files (
  id                UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  version_id        UUID        NOT NULL REFERENCES model_versions (id) ON DELETE CASCADE,
  filename          TEXT        NOT NULL,
  original_filename TEXT        NOT NULL,
  size              BIGINT      NOT NULL CHECK (size >= 0),
  mime_type         TEXT        NOT NULL,
  extension         TEXT        NOT NULL DEFAULT '',
  storage_key       TEXT        NOT NULL UNIQUE,
  storage_bucket    TEXT        NOT NULL,
  geometry          JSONB,
  status            TEXT        NOT NULL DEFAULT 'pending',
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_index_model_files_version_id",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_model_files_version_id ON model_files (version_id);`,
	},
	{
		Name: "create_table_tags",
		SQL: `CREATE TABLE IF NOT EXISTS tags (
  id          UUID        PRIMARY KEY DEFAULT uuid_generate_v4(),
  tenant_id   UUID        NOT NULL,
  name        TEXT        NOT NULL,
  color       TEXT        NOT NULL DEFAULT '',
  description TEXT        NOT NULL DEFAULT '',
  usage_count INTEGER     NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (tenant_id, name)
);`,
	},
	{
		Name: "create_table_model_tags",
		SQL: `CREATE TABLE IF NOT EXISTS model_tags (
  model_id UUID NOT NULL REFERENCES models (id) ON DELETE CASCADE,
  tag_id   UUID NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
  PRIMARY KEY (model_id, tag_id)
);`,
	},
	{
		Name: "create_table_version_tags",
		SQL: `CREATE TABLE IF NOT EXISTS version_tags (
  version_id UUID NOT NULL REFERENCES model_versions (id) ON DELETE CASCADE,
  tag_id     UUID NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
  PRIMARY KEY (version_id, tag_id)
);`,
	},
}

// EnsureMigrated checks if the 'models' table exists and runs migrations if it doesn't.
func EnsureMigrated(ctx context.Context, db *sql.DB, loc *time.Location, dbHost string) error {
	start := time.Now()

	logJSON(loc, map[string]any{
		"component": "database",
		"event":     "db_migration_check",
		"status":    "starting",
		"db_host":   dbHost,
	})

	var exists bool
	query := "SELECT to_regclass('public.models') IS NOT NULL"
	err := db.QueryRowContext(ctx, query).Scan(&exists)
	if err != nil {
		logJSON(loc, map[string]any{
			"component":     "database",
			"event":         "db_migration_failed",
			"status":        "error",
			"error_message": fmt.Sprintf("failed to check sentinel table: %v", err),
			"db_host":       dbHost,
			"duration_ms":   time.Since(start).Milliseconds(),
		})
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}

	if exists {
		logJSON(loc, map[string]any{
			"component":   "database",
			"event":       "db_migration_skip",
			"status":      "success",
			"msg":         "schema already exists, skipping migration",
			"db_host":     dbHost,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil
	}

	logJSON(loc, map[string]any{
		"component": "database",
		"event":     "db_migration_start",
		"status":    "in_progress",
		"db_host":   dbHost,
	})

	for _, step := range steps {
		stepStart := time.Now()
		_, err := db.ExecContext(ctx, step.SQL)
		if err != nil {
			logJSON(loc, map[string]any{
				"component":        "database",
				"event":            "db_migration_failed",
				"status":           "error",
				"migration_step":   step.Name,
				"error_message":    err.Error(),
				"db_host":          dbHost,
				"duration_ms":      time.Since(start).Milliseconds(),
				"step_duration_ms": time.Since(stepStart).Milliseconds(),
			})
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}

		logJSON(loc, map[string]any{
			"component":        "database",
			"event":            "db_migration_step",
			"status":           "success",
			"migration_step":   step.Name,
			"db_host":          dbHost,
			"step_duration_ms": time.Since(stepStart).Milliseconds(),
		})
	}

	logJSON(loc, map[string]any{
		"component":   "database",
		"event":       "db_migration_success",
		"status":      "success",
		"db_host":     dbHost,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return nil
}

func logJSON(loc *time.Location, data map[string]any) {
	data["ts"] = time.Now().In(loc).Format(time.RFC3339Nano)
	if _, ok := data["level"]; !ok {
		if data["status"] == "error" {
			data["level"] = "error"
		} else {
			data["level"] = "info"
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		log.Printf("failed to marshal migration log: %v", err)
		return
	}
	log.SetFlags(0)
	log.Println(string(b))
}
