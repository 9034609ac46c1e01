/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package catalog

import "database/sql"

const requiredSchemaVersion = 1

// All timestamps are integer Unix seconds; file paths are stored
// pre-normalized by pkg/pathutil, so TEXT equality is path identity.
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS library_paths (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_path_id INTEGER REFERENCES library_paths(id),
		file_path TEXT NOT NULL UNIQUE,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_mtime INTEGER NOT NULL DEFAULT 0,
		total_pages INTEGER NOT NULL DEFAULT 0,
		content_sha256 TEXT,
		add_date INTEGER NOT NULL DEFAULT 0,
		last_read_page INTEGER NOT NULL DEFAULT 0,
		last_read_date INTEGER,
		reading_status TEXT NOT NULL DEFAULT 'unread',
		is_missing INTEGER NOT NULL DEFAULT 0,
		integrity_status TEXT NOT NULL DEFAULT 'unknown',
		cover_updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS files_library_idx ON files (library_path_id)`,
	`CREATE INDEX IF NOT EXISTS files_missing_idx ON files (is_missing)`,
	`CREATE INDEX IF NOT EXISTS files_hash_idx ON files (content_sha256)`,
	`CREATE INDEX IF NOT EXISTS files_status_idx ON files (reading_status)`,
	`CREATE TABLE IF NOT EXISTS tag_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		sort_order INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		type_id INTEGER REFERENCES tag_types(id),
		parent_id INTEGER REFERENCES tags(id),
		description TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		is_favorite INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tag_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		alias_name TEXT NOT NULL UNIQUE COLLATE NOCASE
	)`,
	`CREATE TABLE IF NOT EXISTS file_tag_map (
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (file_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bookmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		page_number INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE (file_id, page_number)
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL UNIQUE REFERENCES files(id) ON DELETE CASCADE,
		added_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		worker_id TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		current_target TEXT NOT NULL DEFAULT '',
		target_path TEXT NOT NULL DEFAULT '',
		library_path_id INTEGER,
		total_items INTEGER NOT NULL DEFAULT 0,
		processed_items INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		finished_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS tasks_type_idx ON tasks (task_type)`,
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		metakey TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}

func initSchema(db *sql.DB) error {
	for _, stmt := range schemaStmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO meta (metakey, value) VALUES ('version', ?)
		ON CONFLICT (metakey) DO NOTHING`, requiredSchemaVersion)
	return err
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT value FROM meta WHERE metakey = 'version'`).Scan(&v)
	return v, err
}
