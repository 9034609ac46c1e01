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

// ListTagTypes returns all tag types in sort order.
func (s *Store) ListTagTypes() ([]*TagType, error) {
	rows, err := s.db.Query(`SELECT id, name, sort_order FROM tag_types
		ORDER BY sort_order, name COLLATE NOCASE`)
	if err != nil {
		return nil, errors.Wrap(err, "list tag types")
	}
	defer rows.Close()
	var out []*TagType
	for rows.Next() {
		var t TagType
		if err := rows.Scan(&t.ID, &t.Name, &t.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// TagTypeByName resolves a type name case-insensitively.
func (s *Store) TagTypeByName(name string) (*TagType, error) {
	var t TagType
	err := s.db.QueryRow(`SELECT id, name, sort_order FROM tag_types
		WHERE name = ? COLLATE NOCASE`, name).Scan(&t.ID, &t.Name, &t.SortOrder)
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("tag type %q", name)
	}
	return &t, errors.Wrap(err, "load tag type")
}

// CreateTagType inserts a tag type.
func (s *Store) CreateTagType(t *TagType) error {
	return s.write(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tag_types
			WHERE name = ? COLLATE NOCASE`, t.Name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return liberr.Conflictf("tag type %q already exists", t.Name)
		}
		res, err := tx.Exec(`INSERT INTO tag_types (name, sort_order) VALUES (?, ?)`,
			t.Name, t.SortOrder)
		if err != nil {
			return errors.Wrap(err, "insert tag type")
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateTagType rewrites a tag type.
func (s *Store) UpdateTagType(t *TagType) error {
	return s.write(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tag_types
			WHERE name = ? COLLATE NOCASE AND id != ?`, t.Name, t.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return liberr.Conflictf("tag type %q already exists", t.Name)
		}
		res, err := tx.Exec(`UPDATE tag_types SET name = ?, sort_order = ? WHERE id = ?`,
			t.Name, t.SortOrder, t.ID)
		if err != nil {
			return errors.Wrap(err, "update tag type")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return liberr.NotFoundf("tag type %d", t.ID)
		}
		return nil
	})
}

// DeleteTagType removes a type. Refused while any tag references it.
func (s *Store) DeleteTagType(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tags WHERE type_id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return liberr.Conflictf("tag type %d still referenced by %d tags", id, n)
		}
		res, err := tx.Exec(`DELETE FROM tag_types WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete tag type")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return liberr.NotFoundf("tag type %d", id)
		}
		return nil
	})
}

// ListAliases returns all aliases, optionally for one tag.
func (s *Store) ListAliases(tagID int64) ([]*TagAlias, error) {
	q := `SELECT id, tag_id, alias_name FROM tag_aliases`
	var args []interface{}
	if tagID != 0 {
		q += ` WHERE tag_id = ?`
		args = append(args, tagID)
	}
	q += ` ORDER BY alias_name COLLATE NOCASE`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list aliases")
	}
	defer rows.Close()
	var out []*TagAlias
	for rows.Next() {
		var a TagAlias
		if err := rows.Scan(&a.ID, &a.TagID, &a.AliasName); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CreateAlias records an alternate spelling for a tag. The alias must
// not collide with any tag name or alias.
func (s *Store) CreateAlias(a *TagAlias) error {
	return s.write(func(tx *sql.Tx) error {
		if err := checkNameFree(tx, a.AliasName, 0); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tags WHERE id = ?`, a.TagID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return liberr.NotFoundf("tag %d", a.TagID)
		}
		res, err := tx.Exec(`INSERT INTO tag_aliases (tag_id, alias_name) VALUES (?, ?)`,
			a.TagID, a.AliasName)
		if err != nil {
			return errors.Wrap(err, "insert alias")
		}
		a.ID, err = res.LastInsertId()
		return err
	})
}

// DeleteAliasNamed drops an alias by its spelling, if present.
func (s *Store) DeleteAliasNamed(name string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM tag_aliases WHERE alias_name = ? COLLATE NOCASE`, name)
		return errors.Wrap(err, "delete alias by name")
	})
}

// DeleteAlias removes one alias.
func (s *Store) DeleteAlias(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM tag_aliases WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete alias")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return liberr.NotFoundf("tag alias %d", id)
		}
		return nil
	})
}
