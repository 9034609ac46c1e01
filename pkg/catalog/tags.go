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
	"strings"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

const tagCols = `t.id, t.name, t.type_id, tt.name, t.parent_id,
	t.description, t.color, t.is_favorite`

func scanTag(row interface{ Scan(...interface{}) error }) (*Tag, error) {
	var t Tag
	var typeName sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.TypeID, &typeName, &t.ParentID,
		&t.Description, &t.Color, &t.IsFavorite)
	if err != nil {
		return nil, err
	}
	t.TypeName = typeName.String
	return &t, nil
}

// TagByID loads one tag.
func (s *Store) TagByID(id int64) (*Tag, error) {
	t, err := scanTag(s.db.QueryRow(`SELECT `+tagCols+` FROM tags t
		LEFT JOIN tag_types tt ON tt.id = t.type_id WHERE t.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("tag %d", id)
	}
	return t, errors.Wrap(err, "load tag")
}

// TagByName resolves name case-insensitively, following aliases to the
// canonical tag.
func (s *Store) TagByName(name string) (*Tag, error) {
	t, err := scanTag(s.db.QueryRow(`SELECT `+tagCols+` FROM tags t
		LEFT JOIN tag_types tt ON tt.id = t.type_id
		WHERE t.name = ? COLLATE NOCASE`, name))
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "load tag by name")
	}
	t, err = scanTag(s.db.QueryRow(`SELECT `+tagCols+` FROM tags t
		LEFT JOIN tag_types tt ON tt.id = t.type_id
		JOIN tag_aliases a ON a.tag_id = t.id
		WHERE a.alias_name = ? COLLATE NOCASE`, name))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("tag %q", name)
	}
	return t, errors.Wrap(err, "load tag by alias")
}

// ListTags returns every tag with its file count, ordered by type sort
// order then name.
func (s *Store) ListTags() ([]*Tag, error) {
	rows, err := s.db.Query(`SELECT ` + tagCols + `,
		(SELECT COUNT(*) FROM file_tag_map m WHERE m.tag_id = t.id)
		FROM tags t LEFT JOIN tag_types tt ON tt.id = t.type_id
		ORDER BY COALESCE(tt.sort_order, 1<<30), t.name COLLATE NOCASE`)
	if err != nil {
		return nil, errors.Wrap(err, "list tags")
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
		t.TypeName = typeName.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CreateTag inserts a tag. The name must not collide with any tag or
// alias, case-insensitively.
func (s *Store) CreateTag(t *Tag) error {
	return s.write(func(tx *sql.Tx) error {
		if err := checkNameFree(tx, t.Name, 0); err != nil {
			return err
		}
		if t.ParentID != nil {
			if err := checkNoCycle(tx, 0, *t.ParentID); err != nil {
				return err
			}
		}
		res, err := tx.Exec(`INSERT INTO tags (name, type_id, parent_id, description, color, is_favorite)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.Name, t.TypeID, t.ParentID, t.Description, t.Color, t.IsFavorite)
		if err != nil {
			return errors.Wrap(err, "insert tag")
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateTag rewrites a tag's mutable fields.
func (s *Store) UpdateTag(t *Tag) error {
	return s.write(func(tx *sql.Tx) error {
		if err := checkNameFree(tx, t.Name, t.ID); err != nil {
			return err
		}
		if t.ParentID != nil {
			if err := checkNoCycle(tx, t.ID, *t.ParentID); err != nil {
				return err
			}
		}
		res, err := tx.Exec(`UPDATE tags SET name = ?, type_id = ?, parent_id = ?,
			description = ?, color = ?, is_favorite = ? WHERE id = ?`,
			t.Name, t.TypeID, t.ParentID, t.Description, t.Color, t.IsFavorite, t.ID)
		if err != nil {
			return errors.Wrap(err, "update tag")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return liberr.NotFoundf("tag %d", t.ID)
		}
		return nil
	})
}

// DeleteTag removes a tag; aliases and file links cascade. Children
// are re-parented to the deleted tag's parent.
func (s *Store) DeleteTag(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		var parent sql.NullInt64
		err := tx.QueryRow(`SELECT parent_id FROM tags WHERE id = ?`, id).Scan(&parent)
		if err == sql.ErrNoRows {
			return liberr.NotFoundf("tag %d", id)
		}
		if err != nil {
			return errors.Wrap(err, "load tag parent")
		}
		if _, err := tx.Exec(`UPDATE tags SET parent_id = ? WHERE parent_id = ?`, parent, id); err != nil {
			return errors.Wrap(err, "reparent children")
		}
		_, err = tx.Exec(`DELETE FROM tags WHERE id = ?`, id)
		return errors.Wrap(err, "delete tag")
	})
}

// MergeTags moves every file link and alias from source onto target,
// records the source name as an alias of target, and deletes source.
func (s *Store) MergeTags(sourceID, targetID int64) error {
	if sourceID == targetID {
		return liberr.BadRequestf("cannot merge tag %d into itself", sourceID)
	}
	return s.write(func(tx *sql.Tx) error {
		var sourceName string
		err := tx.QueryRow(`SELECT name FROM tags WHERE id = ?`, sourceID).Scan(&sourceName)
		if err == sql.ErrNoRows {
			return liberr.NotFoundf("tag %d", sourceID)
		}
		if err != nil {
			return errors.Wrap(err, "load source tag")
		}
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tags WHERE id = ?`, targetID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return liberr.NotFoundf("tag %d", targetID)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO file_tag_map (file_id, tag_id)
			SELECT file_id, ? FROM file_tag_map WHERE tag_id = ?`, targetID, sourceID); err != nil {
			return errors.Wrap(err, "move file links")
		}
		if _, err := tx.Exec(`UPDATE OR IGNORE tag_aliases SET tag_id = ? WHERE tag_id = ?`,
			targetID, sourceID); err != nil {
			return errors.Wrap(err, "move aliases")
		}
		if _, err := tx.Exec(`DELETE FROM tags WHERE id = ?`, sourceID); err != nil {
			return errors.Wrap(err, "delete source tag")
		}
		_, err = tx.Exec(`INSERT OR IGNORE INTO tag_aliases (tag_id, alias_name) VALUES (?, ?)`,
			targetID, sourceName)
		return errors.Wrap(err, "record source name alias")
	})
}

// RenameTag changes a tag's canonical name.
func (s *Store) RenameTag(id int64, newName string) error {
	return s.write(func(tx *sql.Tx) error {
		if err := checkNameFree(tx, newName, id); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE tags SET name = ? WHERE id = ?`, newName, id)
		if err != nil {
			return errors.Wrap(err, "rename tag")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return liberr.NotFoundf("tag %d", id)
		}
		return nil
	})
}

// DescendantTagIDs returns ids plus every transitive child, for
// include_descendants queries. The parent forest is acyclic by
// construction, so plain BFS terminates.
func (s *Store) DescendantTagIDs(ids []int64) ([]int64, error) {
	seen := make(map[int64]bool, len(ids))
	queue := append([]int64(nil), ids...)
	for _, id := range ids {
		seen[id] = true
	}
	for len(queue) > 0 {
		var frontier []int64
		for _, batch := range batchIDs(queue) {
			rows, err := s.db.Query(`SELECT id FROM tags WHERE parent_id IN (`+
				placeholders(len(batch))+`)`, idArgs(batch)...)
			if err != nil {
				return nil, errors.Wrap(err, "query child tags")
			}
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, err
				}
				if !seen[id] {
					seen[id] = true
					frontier = append(frontier, id)
				}
			}
			if err := rows.Close(); err != nil {
				return nil, err
			}
		}
		queue = frontier
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// checkNameFree enforces case-insensitive uniqueness of name across
// tags and aliases, excluding the tag selfID itself.
func checkNameFree(tx *sql.Tx, name string, selfID int64) error {
	var n int
	err := tx.QueryRow(`SELECT
		(SELECT COUNT(*) FROM tags WHERE name = ?1 COLLATE NOCASE AND id != ?2) +
		(SELECT COUNT(*) FROM tag_aliases WHERE alias_name = ?1 COLLATE NOCASE)`,
		name, selfID).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "check tag name")
	}
	if n > 0 {
		return liberr.Conflictf("tag name %q already in use", name)
	}
	return nil
}

// checkNoCycle refuses a parent edge that would make tagID its own
// ancestor.
func checkNoCycle(tx *sql.Tx, tagID, parentID int64) error {
	for parentID != 0 {
		if parentID == tagID {
			return liberr.BadRequestf("tag %d cannot be its own ancestor", tagID)
		}
		var next sql.NullInt64
		err := tx.QueryRow(`SELECT parent_id FROM tags WHERE id = ?`, parentID).Scan(&next)
		if err == sql.ErrNoRows {
			return liberr.NotFoundf("parent tag %d", parentID)
		}
		if err != nil {
			return errors.Wrap(err, "walk tag parents")
		}
		if !next.Valid {
			return nil
		}
		parentID = next.Int64
	}
	return nil
}

// ResolveTagNames maps each name to an existing tag (following
// aliases) or creates it, returning ids in input order.
func (s *Store) ResolveTagNames(names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, err := s.TagByName(name)
		if err == nil {
			ids = append(ids, t.ID)
			continue
		}
		if !errors.Is(err, liberr.ErrNotFound) {
			return nil, err
		}
		nt := &Tag{Name: name}
		if err := s.CreateTag(nt); err != nil {
			return nil, err
		}
		ids = append(ids, nt.ID)
	}
	return ids, nil
}

// tagsForFile loads the tags linked to one file.
func (s *Store) tagsForFile(fileID int64) ([]Tag, error) {
	rows, err := s.db.Query(`SELECT `+tagCols+` FROM tags t
		LEFT JOIN tag_types tt ON tt.id = t.type_id
		JOIN file_tag_map m ON m.tag_id = t.id
		WHERE m.file_id = ? ORDER BY t.name COLLATE NOCASE`, fileID)
	if err != nil {
		return nil, errors.Wrap(err, "query file tags")
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// attachTags fills Tags for a page of files in one query.
func (s *Store) attachTags(files []*File) error {
	if len(files) == 0 {
		return nil
	}
	byID := make(map[int64]*File, len(files))
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		byID[f.ID] = f
		ids = append(ids, f.ID)
	}
	for _, batch := range batchIDs(ids) {
		rows, err := s.db.Query(`SELECT m.file_id, `+tagCols+` FROM tags t
			LEFT JOIN tag_types tt ON tt.id = t.type_id
			JOIN file_tag_map m ON m.tag_id = t.id
			WHERE m.file_id IN (`+placeholders(len(batch))+`)
			ORDER BY t.name COLLATE NOCASE`, idArgs(batch)...)
		if err != nil {
			return errors.Wrap(err, "query page tags")
		}
		for rows.Next() {
			var fileID int64
			var t Tag
			var typeName sql.NullString
			err := rows.Scan(&fileID, &t.ID, &t.Name, &t.TypeID, &typeName,
				&t.ParentID, &t.Description, &t.Color, &t.IsFavorite)
			if err != nil {
				rows.Close()
				return err
			}
			t.TypeName = typeName.String
			if f := byID[fileID]; f != nil {
				f.Tags = append(f.Tags, t)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

// SetFileTags replaces the tag set of each file with tagIDs.
func (s *Store) SetFileTags(fileIDs, tagIDs []int64) error {
	for _, batch := range batchIDs(fileIDs) {
		err := s.write(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM file_tag_map WHERE file_id IN (`+
				placeholders(len(batch))+`)`, idArgs(batch)...); err != nil {
				return errors.Wrap(err, "clear file tags")
			}
			return insertFileTags(tx, batch, tagIDs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AddFileTags links tagIDs to each file, ignoring existing links.
func (s *Store) AddFileTags(fileIDs, tagIDs []int64) error {
	for _, batch := range batchIDs(fileIDs) {
		err := s.write(func(tx *sql.Tx) error {
			return insertFileTags(tx, batch, tagIDs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveFileTags unlinks tagIDs from each file.
func (s *Store) RemoveFileTags(fileIDs, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}
	for _, batch := range batchIDs(fileIDs) {
		err := s.write(func(tx *sql.Tx) error {
			args := append(idArgs(batch), idArgs(tagIDs)...)
			_, err := tx.Exec(`DELETE FROM file_tag_map WHERE file_id IN (`+
				placeholders(len(batch))+`) AND tag_id IN (`+
				placeholders(len(tagIDs))+`)`, args...)
			return errors.Wrap(err, "remove file tags")
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insertFileTags(tx *sql.Tx, fileIDs, tagIDs []int64) error {
	for _, fid := range fileIDs {
		for _, tid := range tagIDs {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO file_tag_map (file_id, tag_id)
				VALUES (?, ?)`, fid, tid); err != nil {
				return errors.Wrap(err, "link file tag")
			}
		}
	}
	return nil
}

// FileIDsWithTag returns every file id carrying the tag.
func (s *Store) FileIDsWithTag(tagID int64) ([]int64, error) {
	rows, err := s.db.Query(`SELECT file_id FROM file_tag_map WHERE tag_id = ?`, tagID)
	if err != nil {
		return nil, errors.Wrap(err, "query files with tag")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
