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
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

const fileCols = `f.id, f.library_path_id, f.file_path, f.file_size, f.file_mtime,
	f.total_pages, COALESCE(f.content_sha256, ''), f.add_date, f.last_read_page,
	f.last_read_date, f.reading_status, f.is_missing, f.integrity_status,
	f.cover_updated_at,
	EXISTS (SELECT 1 FROM likes l WHERE l.file_id = f.id)`

func scanFile(row interface{ Scan(...interface{}) error }) (*File, error) {
	var f File
	var libID sql.NullInt64
	err := row.Scan(&f.ID, &libID, &f.FilePath, &f.FileSize, &f.FileMtime,
		&f.TotalPages, &f.ContentSHA256, &f.AddDate, &f.LastReadPage,
		&f.LastReadDate, &f.ReadingStatus, &f.IsMissing, &f.IntegrityStatus,
		&f.CoverUpdatedAt, &f.IsLiked)
	if err != nil {
		return nil, err
	}
	if libID.Valid {
		f.LibraryPathID = libID.Int64
	}
	return &f, nil
}

// FileByID loads one file with its tags.
func (s *Store) FileByID(id int64) (*File, error) {
	f, err := scanFile(s.db.QueryRow(`SELECT `+fileCols+` FROM files f WHERE f.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("file %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load file")
	}
	if f.Tags, err = s.tagsForFile(f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// FileByPath loads one file by its normalized path.
func (s *Store) FileByPath(path string) (*File, error) {
	f, err := scanFile(s.db.QueryRow(`SELECT `+fileCols+` FROM files f WHERE f.file_path = ?`, path))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("file at %s", path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load file by path")
	}
	return f, nil
}

// CreateFile inserts a new file row and returns its id.
func (s *Store) CreateFile(f *File) error {
	return s.write(func(tx *sql.Tx) error {
		if f.AddDate == 0 {
			f.AddDate = now()
		}
		if f.ReadingStatus == "" {
			f.ReadingStatus = StatusUnread
		}
		if f.IntegrityStatus == "" {
			f.IntegrityStatus = IntegrityUnknown
		}
		res, err := tx.Exec(`INSERT INTO files
			(library_path_id, file_path, file_size, file_mtime, total_pages,
			 content_sha256, add_date, reading_status, is_missing, integrity_status)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			nullID(f.LibraryPathID), f.FilePath, f.FileSize, f.FileMtime, f.TotalPages,
			f.ContentSHA256, f.AddDate, f.ReadingStatus, f.IsMissing, f.IntegrityStatus)
		if err != nil {
			return errors.Wrap(err, "insert file")
		}
		f.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateFileScan overwrites the scanner-owned metadata of one file.
// Reading progress and like state are untouched.
func (s *Store) UpdateFileScan(f *File) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET library_path_id = ?, file_path = ?,
			file_size = ?, file_mtime = ?, total_pages = ?,
			content_sha256 = NULLIF(?, ''), is_missing = ?, integrity_status = ?
			WHERE id = ?`,
			nullID(f.LibraryPathID), f.FilePath, f.FileSize, f.FileMtime,
			f.TotalPages, f.ContentSHA256, f.IsMissing, f.IntegrityStatus, f.ID)
		return errors.Wrap(err, "update file scan fields")
	})
}

// UpdateFilePath moves a file row to a new normalized path.
func (s *Store) UpdateFilePath(id int64, path string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET file_path = ? WHERE id = ?`, path, id)
		return errors.Wrap(err, "update file path")
	})
}

// UpdateReadingState persists reader progress. lastReadPage is clamped
// by the caller against total_pages. Going back to unread clears the
// read date.
func (s *Store) UpdateReadingState(id int64, status string, lastReadPage int) error {
	return s.write(func(tx *sql.Tx) error {
		date := sql.NullInt64{Int64: now(), Valid: status != StatusUnread}
		_, err := tx.Exec(`UPDATE files SET reading_status = ?, last_read_page = ?,
			last_read_date = ? WHERE id = ?`, status, lastReadPage, date, id)
		return errors.Wrap(err, "update reading state")
	})
}

// SetIntegrityStatus records an integrity verdict for one file.
func (s *Store) SetIntegrityStatus(id int64, status string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET integrity_status = ? WHERE id = ?`, status, id)
		return errors.Wrap(err, "update integrity status")
	})
}

// MarkMissingByPaths flags every file whose path is in paths as missing.
func (s *Store) MarkMissingByPaths(paths []string) error {
	return s.markMissingPaths(paths, true)
}

// MarkPresentByPaths clears the missing flag for reappeared paths.
func (s *Store) MarkPresentByPaths(paths []string) error {
	return s.markMissingPaths(paths, false)
}

func (s *Store) markMissingPaths(paths []string, missing bool) error {
	for len(paths) > 0 {
		n := len(paths)
		if n > maxBatchRows {
			n = maxBatchRows
		}
		batch := paths[:n]
		paths = paths[n:]
		err := s.write(func(tx *sql.Tx) error {
			args := make([]interface{}, 0, len(batch)+1)
			args = append(args, missing)
			for _, p := range batch {
				args = append(args, p)
			}
			_, err := tx.Exec(`UPDATE files SET is_missing = ? WHERE file_path IN (`+
				placeholders(len(batch))+`)`, args...)
			return errors.Wrap(err, "update missing flags")
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MissingByHash returns the missing file rows carrying the given
// content hash. Used for move/rename adoption.
func (s *Store) MissingByHash(sha256 string) ([]*File, error) {
	rows, err := s.db.Query(`SELECT `+fileCols+` FROM files f
		WHERE f.is_missing = 1 AND f.content_sha256 = ?`, sha256)
	if err != nil {
		return nil, errors.Wrap(err, "query missing by hash")
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AdoptFile points a missing record at its rediscovered path and
// refreshes the stat fields, preserving id, tags and reading state.
func (s *Store) AdoptFile(id int64, path string, size, mtime int64, totalPages int) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE files SET file_path = ?, file_size = ?,
			file_mtime = ?, total_pages = ?, is_missing = 0 WHERE id = ?`,
			path, size, mtime, totalPages, id)
		return errors.Wrap(err, "adopt file")
	})
}

// SetCoverUpdatedAt stamps cover_updated_at for a batch of file ids.
func (s *Store) SetCoverUpdatedAt(ids []int64, ts int64) error {
	for _, batch := range batchIDs(ids) {
		err := s.write(func(tx *sql.Tx) error {
			args := append([]interface{}{ts}, idArgs(batch)...)
			_, err := tx.Exec(`UPDATE files SET cover_updated_at = ? WHERE id IN (`+
				placeholders(len(batch))+`)`, args...)
			return errors.Wrap(err, "stamp cover_updated_at")
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteFiles hard-deletes file rows. Bookmarks, likes and tag links
// go with them via cascade.
func (s *Store) DeleteFiles(ids []int64) (int64, error) {
	var total int64
	for _, batch := range batchIDs(ids) {
		err := s.write(func(tx *sql.Tx) error {
			res, err := tx.Exec(`DELETE FROM files WHERE id IN (`+
				placeholders(len(batch))+`)`, idArgs(batch)...)
			if err != nil {
				return errors.Wrap(err, "delete files")
			}
			n, _ := res.RowsAffected()
			total += n
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// FilePathsUnderRoot returns path -> id for every non-missing file of
// one library root, or of all roots when rootID is 0.
func (s *Store) FilePathsUnderRoot(rootID int64) (map[string]int64, error) {
	q := `SELECT file_path, id FROM files WHERE is_missing = 0`
	var args []interface{}
	if rootID != 0 {
		q += ` AND library_path_id = ?`
		args = append(args, rootID)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query file paths")
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var p string
		var id int64
		if err := rows.Scan(&p, &id); err != nil {
			return nil, err
		}
		out[p] = id
	}
	return out, rows.Err()
}

// ListQuery selects and orders files for the listing endpoint.
type ListQuery struct {
	Page               int
	PerPage            int
	SortBy             string
	SortOrder          string
	Keyword            string
	TagIDs             []int64
	ExcludeTagIDs      []int64
	TagMode            string // any | all
	IncludeDescendants bool
	Statuses           []string
	Liked              *bool
	MinPages, MaxPages *int
	MinSize, MaxSize   *int64
	IsMissing          *bool
	IncludeMissing     bool
	LibraryPathID      int64
}

var listSortCols = map[string]string{
	"add_date":       "f.add_date",
	"file_path":      "f.file_path",
	"file_size":      "f.file_size",
	"total_pages":    "f.total_pages",
	"last_read_date": "f.last_read_date",
	"last_read_page": "f.last_read_page",
	"reading_status": "f.reading_status",
	"random":         "RANDOM()",
}

// ListFiles runs q and returns one page plus the unpaged match count.
func (s *Store) ListFiles(q ListQuery) ([]*File, int64, error) {
	where, args, err := buildListFilter(q)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	countArgs := make([]interface{}, len(args))
	copy(countArgs, args)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files f`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count files")
	}

	col, ok := listSortCols[q.SortBy]
	if !ok {
		col = "f.add_date"
	}
	order := " ORDER BY " + col
	if col != "RANDOM()" {
		if strings.EqualFold(q.SortOrder, "asc") {
			order += " ASC"
		} else {
			order += " DESC"
		}
		order += ", f.id"
	}

	page, perPage := q.Page, q.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.Query(`SELECT `+fileCols+` FROM files f`+where+order+
		` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list files")
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.attachTags(out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func buildListFilter(q ListQuery) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	switch {
	case q.IsMissing != nil:
		conds = append(conds, "f.is_missing = ?")
		args = append(args, *q.IsMissing)
	case !q.IncludeMissing:
		conds = append(conds, "f.is_missing = 0")
	}
	if q.LibraryPathID != 0 {
		conds = append(conds, "f.library_path_id = ?")
		args = append(args, q.LibraryPathID)
	}
	// Keyword is an AND of substring tokens over the whole path.
	for _, tok := range strings.Fields(q.Keyword) {
		conds = append(conds, "f.file_path LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(tok)+"%")
	}
	if len(q.Statuses) > 0 {
		ph := placeholders(len(q.Statuses))
		conds = append(conds, "f.reading_status IN ("+ph+")")
		for _, st := range q.Statuses {
			if !ValidReadingStatus(st) {
				return "", nil, liberr.BadRequestf("unknown reading status %q", st)
			}
			args = append(args, st)
		}
	}
	if q.Liked != nil {
		op := "EXISTS"
		if !*q.Liked {
			op = "NOT EXISTS"
		}
		conds = append(conds, op+" (SELECT 1 FROM likes l WHERE l.file_id = f.id)")
	}
	if q.MinPages != nil {
		conds = append(conds, "f.total_pages >= ?")
		args = append(args, *q.MinPages)
	}
	if q.MaxPages != nil {
		conds = append(conds, "f.total_pages <= ?")
		args = append(args, *q.MaxPages)
	}
	if q.MinSize != nil {
		conds = append(conds, "f.file_size >= ?")
		args = append(args, *q.MinSize)
	}
	if q.MaxSize != nil {
		conds = append(conds, "f.file_size <= ?")
		args = append(args, *q.MaxSize)
	}

	if len(q.TagIDs) > 0 {
		ph := placeholders(len(q.TagIDs))
		if q.TagMode == "all" {
			conds = append(conds, fmt.Sprintf(
				`(SELECT COUNT(DISTINCT m.tag_id) FROM file_tag_map m
				  WHERE m.file_id = f.id AND m.tag_id IN (%s)) = %d`,
				ph, len(q.TagIDs)))
		} else {
			conds = append(conds, `EXISTS (SELECT 1 FROM file_tag_map m
				WHERE m.file_id = f.id AND m.tag_id IN (`+ph+`))`)
		}
		args = append(args, idArgs(q.TagIDs)...)
	}
	if len(q.ExcludeTagIDs) > 0 {
		ph := placeholders(len(q.ExcludeTagIDs))
		conds = append(conds, `NOT EXISTS (SELECT 1 FROM file_tag_map m
			WHERE m.file_id = f.id AND m.tag_id IN (`+ph+`))`)
		args = append(args, idArgs(q.ExcludeTagIDs)...)
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
