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

// GetConfig reads one settings override. ok is false when no override
// is stored, leaving the in-process default in force.
func (s *Store) GetConfig(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "read config")
	}
	return value, true, nil
}

// SetConfig upserts one settings override.
func (s *Store) SetConfig(key, value string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
		return errors.Wrap(err, "write config")
	})
}

// DeleteConfig drops an override, reverting the key to its default.
func (s *Store) DeleteConfig(key string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM config WHERE key = ?`, key)
		return errors.Wrap(err, "delete config")
	})
}

// AllConfig returns every stored override.
func (s *Store) AllConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return nil, errors.Wrap(err, "list config")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
