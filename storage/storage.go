// Package storage provides the SQLite-backed repositories for kanban
// items, funnels and board configuration, plus the redis cache layer
// wrapped around item reads.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides access to the underlying relational store. Item
// documents (details, agents, checklist) live in JSON text columns.
type Storage struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS funnels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	stages TEXT NOT NULL,
	settings TEXT,
	global_custom_attributes TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (account_id, name)
);
CREATE INDEX IF NOT EXISTS index_funnels_on_account_id ON funnels (account_id);

CREATE TABLE IF NOT EXISTS kanban_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	funnel_id INTEGER NOT NULL REFERENCES funnels (id),
	funnel_stage TEXT NOT NULL,
	position INTEGER NOT NULL,
	stage_entered_at TIMESTAMP,
	timer_started_at TIMESTAMP,
	timer_duration INTEGER NOT NULL DEFAULT 0,
	item_details TEXT NOT NULL,
	assigned_agents TEXT NOT NULL DEFAULT '[]',
	checklist TEXT NOT NULL DEFAULT '[]',
	custom_attributes TEXT,
	conversation_display_id INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS index_kanban_items_on_account_funnel_stage
	ON kanban_items (account_id, funnel_id, funnel_stage);
CREATE INDEX IF NOT EXISTS index_kanban_items_on_conversation_display_id
	ON kanban_items (conversation_display_id);

CREATE TABLE IF NOT EXISTS kanban_configs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL UNIQUE,
	account_name TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	config TEXT NOT NULL DEFAULT '{}',
	webhook_url TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	webhook_events TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// New opens the database at path and ensures the schema exists. Use
// ":memory:" for an ephemeral store in tests.
func New(path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}
