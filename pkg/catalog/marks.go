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

// BookmarksForFile lists a file's bookmarks in page order.
func (s *Store) BookmarksForFile(fileID int64) ([]*Bookmark, error) {
	rows, err := s.db.Query(`SELECT id, file_id, page_number, note, created_at
		FROM bookmarks WHERE file_id = ? ORDER BY page_number`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, "list bookmarks")
	}
	defer rows.Close()
	var out []*Bookmark
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.FileID, &b.PageNumber, &b.Note, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// AddBookmark marks one page. Duplicate (file, page) is a conflict.
func (s *Store) AddBookmark(b *Bookmark) error {
	return s.write(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM bookmarks
			WHERE file_id = ? AND page_number = ?`, b.FileID, b.PageNumber).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return liberr.Conflictf("page %d of file %d already bookmarked", b.PageNumber, b.FileID)
		}
		b.CreatedAt = now()
		res, err := tx.Exec(`INSERT INTO bookmarks (file_id, page_number, note, created_at)
			VALUES (?, ?, ?, ?)`, b.FileID, b.PageNumber, b.Note, b.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert bookmark")
		}
		b.ID, err = res.LastInsertId()
		return err
	})
}

// DeleteBookmark removes one bookmark.
func (s *Store) DeleteBookmark(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM bookmarks WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete bookmark")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return liberr.NotFoundf("bookmark %d", id)
		}
		return nil
	})
}

// SetLiked flips the like mark on a file. Setting an existing state is
// a no-op, not an error.
func (s *Store) SetLiked(fileID int64, liked bool) error {
	return s.write(func(tx *sql.Tx) error {
		if liked {
			_, err := tx.Exec(`INSERT OR IGNORE INTO likes (file_id, added_at)
				VALUES (?, ?)`, fileID, now())
			return errors.Wrap(err, "insert like")
		}
		_, err := tx.Exec(`DELETE FROM likes WHERE file_id = ?`, fileID)
		return errors.Wrap(err, "delete like")
	})
}
