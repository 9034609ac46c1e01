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

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// ListRoots returns every registered library root.
func (s *Store) ListRoots() ([]*LibraryRoot, error) {
	rows, err := s.db.Query(`SELECT id, path FROM library_paths ORDER BY path`)
	if err != nil {
		return nil, errors.Wrap(err, "list library roots")
	}
	defer rows.Close()
	var out []*LibraryRoot
	for rows.Next() {
		var r LibraryRoot
		if err := rows.Scan(&r.ID, &r.Path); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RootByID loads one library root.
func (s *Store) RootByID(id int64) (*LibraryRoot, error) {
	var r LibraryRoot
	err := s.db.QueryRow(`SELECT id, path FROM library_paths WHERE id = ?`, id).
		Scan(&r.ID, &r.Path)
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("library root %d", id)
	}
	return &r, errors.Wrap(err, "load library root")
}

// AddRoot registers a library root. path must already be normalized,
// so string equality detects duplicates.
func (s *Store) AddRoot(path string) (*LibraryRoot, error) {
	var r LibraryRoot
	err := s.write(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM library_paths WHERE path = ?`, path).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return liberr.Conflictf("library root %s already registered", path)
		}
		res, err := tx.Exec(`INSERT INTO library_paths (path) VALUES (?)`, path)
		if err != nil {
			return errors.Wrap(err, "insert library root")
		}
		r.ID, err = res.LastInsertId()
		r.Path = path
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RemoveRoot drops a root. Its files are marked missing rather than
// deleted, so re-adding the root later restores the library intact.
func (s *Store) RemoveRoot(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM library_paths WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete library root")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return liberr.NotFoundf("library root %d", id)
		}
		_, err = tx.Exec(`UPDATE files SET is_missing = 1, library_path_id = NULL
			WHERE library_path_id = ?`, id)
		return errors.Wrap(err, "orphan root files")
	})
}
