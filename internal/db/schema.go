package db

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS conversation (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    origin_message_id INTEGER,
    created_at DATETIME NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS message (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    conversation_id INTEGER NOT NULL,
    parent_id INTEGER,
    branch_id INTEGER NOT NULL DEFAULT 0,
    depth INTEGER NOT NULL DEFAULT 1,
    num_of_children INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'complete',
    created_at DATETIME NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversation(id),
    FOREIGN KEY (parent_id) REFERENCES message(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation ON message (conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_message_parent ON message (parent_id, branch_id, created_at)`,
}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS conversation (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    origin_message_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS message (
    id BIGSERIAL PRIMARY KEY,
    content TEXT NOT NULL,
    role VARCHAR(16) NOT NULL CHECK (role IN ('user', 'assistant')),
    conversation_id BIGINT NOT NULL REFERENCES conversation(id),
    parent_id BIGINT REFERENCES message(id),
    branch_id BIGINT NOT NULL DEFAULT 0,
    depth INTEGER NOT NULL DEFAULT 1,
    num_of_children INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'complete',
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation ON message (conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_message_parent ON message (parent_id, branch_id, created_at)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes live in the table definition.
// The DSN needs parseTime=true for created_at to scan into time.Time.
var mysqlSchema = []string{`
CREATE TABLE IF NOT EXISTS conversation (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name TEXT NOT NULL,
    origin_message_id BIGINT NULL,
    created_at DATETIME(6) NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS message (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    content LONGTEXT NOT NULL,
    role VARCHAR(16) NOT NULL CHECK (role IN ('user', 'assistant')),
    conversation_id BIGINT NOT NULL,
    parent_id BIGINT NULL,
    branch_id BIGINT NOT NULL DEFAULT 0,
    depth INT NOT NULL DEFAULT 1,
    num_of_children INT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL DEFAULT 'complete',
    created_at DATETIME(6) NOT NULL,
    INDEX idx_message_conversation (conversation_id, created_at),
    INDEX idx_message_parent (parent_id, branch_id, created_at),
    FOREIGN KEY (conversation_id) REFERENCES conversation(id),
    FOREIGN KEY (parent_id) REFERENCES message(id)
)`,
}

func schemaFor(driver string) []string {
	switch driver {
	case DriverPostgres:
		return postgresSchema
	case DriverMySQL:
		return mysqlSchema
	default:
		return sqliteSchema
	}
}

// Migrate creates the conversation and message tables when missing.
func (d *Database) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(d.driver) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	d.logger.Debug("schema ready", zap.String("driver", d.driver))
	return nil
}
