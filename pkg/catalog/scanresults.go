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
)

// ScanResult is the output of one analysis worker, applied to the
// store by the scan's single writer.
type ScanResult struct {
	LibraryPathID int64
	Path          string
	Size          int64
	Mtime         int64
	TotalPages    int
	SHA256        string
	TagNames      []string
}

// FileStat is the slim row shape reconciliation works on.
type FileStat struct {
	ID        int64
	Path      string
	Size      int64
	Mtime     int64
	IsMissing bool
}

// FileStatsUnderRoot loads the reconciliation view of one root's rows,
// or of every row when rootID is 0.
func (s *Store) FileStatsUnderRoot(rootID int64) ([]FileStat, error) {
	q := `SELECT id, file_path, file_size, file_mtime, is_missing FROM files`
	var args []interface{}
	if rootID != 0 {
		q += ` WHERE library_path_id = ?`
		args = append(args, rootID)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query file stats")
	}
	defer rows.Close()
	var out []FileStat
	for rows.Next() {
		var f FileStat
		if err := rows.Scan(&f.ID, &f.Path, &f.Size, &f.Mtime, &f.IsMissing); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ApplyScanResults persists one batch of analysis results in a single
// transaction. Per result: update the existing row for the path, or
// adopt the unique missing row carrying the same content hash, or
// insert a fresh row. Candidate tag names attach only when they
// resolve to an existing tag or alias. The returned ids are the
// affected file rows, in batch order.
func (s *Store) ApplyScanResults(batch []ScanResult) ([]int64, error) {
	ids := make([]int64, 0, len(batch))
	err := s.write(func(tx *sql.Tx) error {
		for _, r := range batch {
			id, err := applyScanResult(tx, r)
			if err != nil {
				return errors.Wrapf(err, "apply %s", r.Path)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func applyScanResult(tx *sql.Tx, r ScanResult) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM files WHERE file_path = ?`, r.Path).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.Exec(`UPDATE files SET library_path_id = ?, file_size = ?,
			file_mtime = ?, total_pages = ?, content_sha256 = NULLIF(?, ''),
			is_missing = 0 WHERE id = ?`,
			nullID(r.LibraryPathID), r.Size, r.Mtime, r.TotalPages, r.SHA256, id)
		if err != nil {
			return 0, errors.Wrap(err, "update row")
		}
	case err == sql.ErrNoRows:
		id, err = adoptOrInsert(tx, r)
		if err != nil {
			return 0, err
		}
	default:
		return 0, errors.Wrap(err, "lookup row")
	}
	return id, attachResolvedTags(tx, id, r.TagNames)
}

// adoptOrInsert recovers a moved or renamed file when exactly one
// missing row of the same root carries the same content hash;
// otherwise it creates a new row.
func adoptOrInsert(tx *sql.Tx, r ScanResult) (int64, error) {
	if r.SHA256 != "" {
		rows, err := tx.Query(`SELECT id FROM files WHERE is_missing = 1
			AND content_sha256 = ? AND library_path_id IS ?`,
			r.SHA256, nullID(r.LibraryPathID))
		if err != nil {
			return 0, errors.Wrap(err, "query adoption candidates")
		}
		var cands []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			cands = append(cands, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		if len(cands) == 1 {
			_, err := tx.Exec(`UPDATE files SET file_path = ?, file_size = ?,
				file_mtime = ?, total_pages = ?, is_missing = 0 WHERE id = ?`,
				r.Path, r.Size, r.Mtime, r.TotalPages, cands[0])
			return cands[0], errors.Wrap(err, "adopt row")
		}
	}
	res, err := tx.Exec(`INSERT INTO files
		(library_path_id, file_path, file_size, file_mtime, total_pages,
		 content_sha256, add_date, reading_status, integrity_status)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		nullID(r.LibraryPathID), r.Path, r.Size, r.Mtime, r.TotalPages,
		r.SHA256, now(), StatusUnread, IntegrityUnknown)
	if err != nil {
		return 0, errors.Wrap(err, "insert row")
	}
	return res.LastInsertId()
}

// attachResolvedTags links names that resolve to known tags or
// aliases. Unknown names are ignored; the scanner never mints tags.
func attachResolvedTags(tx *sql.Tx, fileID int64, names []string) error {
	for _, name := range names {
		var tagID int64
		err := tx.QueryRow(`SELECT id FROM tags WHERE name = ? COLLATE NOCASE`, name).Scan(&tagID)
		if err == sql.ErrNoRows {
			err = tx.QueryRow(`SELECT tag_id FROM tag_aliases
				WHERE alias_name = ? COLLATE NOCASE`, name).Scan(&tagID)
		}
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "resolve tag name")
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO file_tag_map (file_id, tag_id)
			VALUES (?, ?)`, fileID, tagID); err != nil {
			return errors.Wrap(err, "attach tag")
		}
	}
	return nil
}
