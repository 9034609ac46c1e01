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

// LibraryStats is the aggregate shape behind the stats endpoint.
type LibraryStats struct {
	TotalFiles   int64            `json:"total_files"`
	MissingFiles int64            `json:"missing_files"`
	TotalSize    int64            `json:"total_size"`
	TotalPages   int64            `json:"total_pages"`
	TotalTags    int64            `json:"total_tags"`
	LikedFiles   int64            `json:"liked_files"`
	ByStatus     map[string]int64 `json:"by_status"`
	CorruptFiles int64            `json:"corrupt_files"`
	LibraryRoots int64            `json:"library_roots"`
}

// Stats computes the library aggregates in a handful of scans.
func (s *Store) Stats() (*LibraryStats, error) {
	st := &LibraryStats{ByStatus: make(map[string]int64)}
	err := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(is_missing), 0),
		COALESCE(SUM(CASE WHEN is_missing = 0 THEN file_size END), 0),
		COALESCE(SUM(CASE WHEN is_missing = 0 THEN total_pages END), 0),
		COALESCE(SUM(integrity_status = ?), 0)
		FROM files`, IntegrityCorrupted).
		Scan(&st.TotalFiles, &st.MissingFiles, &st.TotalSize, &st.TotalPages, &st.CorruptFiles)
	if err != nil {
		return nil, errors.Wrap(err, "file stats")
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&st.TotalTags); err != nil {
		return nil, errors.Wrap(err, "tag stats")
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM likes`).Scan(&st.LikedFiles); err != nil {
		return nil, errors.Wrap(err, "like stats")
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM library_paths`).Scan(&st.LibraryRoots); err != nil {
		return nil, errors.Wrap(err, "root stats")
	}
	rows, err := s.db.Query(`SELECT reading_status, COUNT(*) FROM files
		WHERE is_missing = 0 GROUP BY reading_status`)
	if err != nil {
		return nil, errors.Wrap(err, "status stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.ByStatus[status] = n
	}
	return st, rows.Err()
}

// DuplicateGroup is one content hash shared by several files.
type DuplicateGroup struct {
	SHA256 string  `json:"sha256"`
	Files  []*File `json:"files"`
}

// DuplicateFiles groups non-missing files sharing a content hash.
func (s *Store) DuplicateFiles() ([]*DuplicateGroup, error) {
	rows, err := s.db.Query(`SELECT ` + fileCols + ` FROM files f
		WHERE f.is_missing = 0 AND f.content_sha256 IN (
			SELECT content_sha256 FROM files
			WHERE is_missing = 0 AND content_sha256 IS NOT NULL
			GROUP BY content_sha256 HAVING COUNT(*) > 1)
		ORDER BY f.content_sha256, f.file_path`)
	if err != nil {
		return nil, errors.Wrap(err, "query duplicates")
	}
	defer rows.Close()
	var groups []*DuplicateGroup
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 || groups[len(groups)-1].SHA256 != f.ContentSHA256 {
			groups = append(groups, &DuplicateGroup{SHA256: f.ContentSHA256})
		}
		g := groups[len(groups)-1]
		g.Files = append(g.Files, f)
	}
	return groups, rows.Err()
}

// CorruptedFiles lists files whose last integrity check failed.
func (s *Store) CorruptedFiles() ([]*File, error) {
	rows, err := s.db.Query(`SELECT `+fileCols+` FROM files f
		WHERE f.integrity_status = ? ORDER BY f.file_path`, IntegrityCorrupted)
	if err != nil {
		return nil, errors.Wrap(err, "query corrupted files")
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

// UntypedTags lists tags carrying no type, for cleanup reports.
func (s *Store) UntypedTags() ([]*Tag, error) {
	rows, err := s.db.Query(`SELECT ` + tagCols + `,
		(SELECT COUNT(*) FROM file_tag_map m WHERE m.tag_id = t.id)
		FROM tags t LEFT JOIN tag_types tt ON tt.id = t.type_id
		WHERE t.type_id IS NULL ORDER BY t.name COLLATE NOCASE`)
	if err != nil {
		return nil, errors.Wrap(err, "query untyped tags")
	}
	defer rows.Close()
	var out []*Tag
	for rows.Next() {
		var t Tag
		var typeName sql.NullString
		err := rows.Scan(&t.ID, &t.Name, &t.TypeID, &typeName, &t.ParentID,
			&t.Description, &t.Color, &t.IsFavorite, &t.FileCount)
		if err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
