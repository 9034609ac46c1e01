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

// Package catalog is the SQLite-backed store for files, tags, tasks
// and settings. SQLite allows only one writer at a time, so all write
// transactions funnel through a single gate; reads run concurrently
// under WAL.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go4.org/syncutil"
	_ "modernc.org/sqlite"
)

// maxBatchRows bounds the number of rows touched by one IN (...) list,
// keeping statements under SQLite's variable limit.
const maxBatchRows = 500

// Store wraps the catalog database.
type Store struct {
	db        *sql.DB
	writeGate *syncutil.Gate
}

// Open opens (creating if needed) the catalog database at file and
// brings the schema up to the required version.
func Open(file string) (*Store, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog db")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s", pragma)
		}
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init catalog schema")
	}
	if v, err := schemaVersion(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "read schema version")
	} else if v != requiredSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("catalog schema version %d, want %d", v, requiredSchemaVersion)
	}
	return &Store{
		db:        db,
		writeGate: syncutil.NewGate(1),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// write runs fn in a write transaction, serialized with other writers.
func (s *Store) write(fn func(tx *sql.Tx) error) error {
	s.writeGate.Start()
	defer s.writeGate.Done()
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func now() int64 { return time.Now().Unix() }

// placeholders returns "?,?,...,?" with n slots.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// batchIDs slices ids into chunks of at most maxBatchRows.
func batchIDs(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > maxBatchRows {
		out = append(out, ids[:maxBatchRows])
		ids = ids[maxBatchRows:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func idArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
