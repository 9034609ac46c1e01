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

package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// backupNameRe guards restore against arbitrary file reads.
var backupNameRe = regexp.MustCompile(`^manga_manager_backup_.*\.db$`)

const backupTimeLayout = "2006-01-02_15-04-05"

// backupInfo is one backup file in the listing.
type backupInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	name := "manga_manager_backup_" + time.Now().Format(backupTimeLayout) + ".db"
	dst := filepath.Join(s.backupsDir, name)
	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		httputil.WriteError(w, errors.Wrap(err, "create backups dir"))
		return
	}
	size, err := copyFile(s.dbPath, dst)
	if err != nil {
		httputil.WriteError(w, errors.Wrap(err, "copy store file"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, backupInfo{
		Filename: name, Size: size, CreatedAt: time.Now().Unix(),
	})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			httputil.WriteJSON(w, http.StatusOK, []backupInfo{})
			return
		}
		httputil.WriteError(w, errors.Wrap(err, "read backups dir"))
		return
	}
	out := []backupInfo{}
	for _, e := range entries {
		if e.IsDir() || !backupNameRe.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backupInfo{
			Filename:  e.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime().Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleRestoreBackup copies a backup over the live store file. The
// server must be restarted for the restored state to take effect.
func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	name := body.Filename
	if !backupNameRe.MatchString(name) || filepath.Base(name) != name {
		httputil.WriteError(w, liberr.BadRequestf("invalid backup filename %q", name))
		return
	}
	src := filepath.Join(s.backupsDir, name)
	if _, err := os.Stat(src); err != nil {
		httputil.WriteError(w, liberr.NotFoundf("backup %s", name))
		return
	}
	if _, err := copyFile(src, s.dbPath); err != nil {
		httputil.WriteError(w, errors.Wrap(err, "restore store file"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"restored": name})
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), ".backup-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(out.Name())
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(out.Name(), dst)
}
