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
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
	"github.com/CaoBiang/Manga-ULM/pkg/scanner"
	"github.com/CaoBiang/Manga-ULM/pkg/settings"
)

func (s *Server) handleListRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.store.ListRoots()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if roots == nil {
		roots = []*catalog.LibraryRoot{}
	}
	httputil.WriteJSON(w, http.StatusOK, roots)
}

func (s *Server) handleAddRoot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	path := pathutil.NormalizeRoot(body.Path)
	if path == "" {
		httputil.WriteError(w, liberr.BadRequestf("path is required"))
		return
	}
	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		httputil.WriteError(w, liberr.BadRequestf("path %s is not a directory", path))
		return
	}
	root, err := s.store.AddRoot(path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, root)
}

func (s *Server) handleRemoveRoot(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.RemoveRoot(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// settingEntry is one key with its effective and default values.
type settingEntry struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Default    string `json:"default"`
	Overridden bool   `json:"overridden"`
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.store.AllConfig()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]settingEntry, 0, len(settings.Keys()))
	for _, key := range settings.Keys() {
		def, _ := settings.Default(key)
		e := settingEntry{Key: key, Value: def, Default: def}
		if v, ok := overrides[key]; ok {
			e.Value = v
			e.Overridden = true
		}
		out = append(out, e)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settings.Known(key) {
		httputil.WriteError(w, liberr.NotFoundf("setting %s", key))
		return
	}
	def, _ := settings.Default(key)
	e := settingEntry{Key: key, Value: def, Default: def}
	if v, ok, err := s.store.GetConfig(key); err != nil {
		httputil.WriteError(w, err)
		return
	} else if ok {
		e.Value = v
		e.Overridden = true
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := settings.Validate(key, body.Value); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.SetConfig(key, body.Value); err != nil {
		httputil.WriteError(w, err)
		return
	}
	def, _ := settings.Default(key)
	httputil.WriteJSON(w, http.StatusOK, settingEntry{
		Key: key, Value: body.Value, Default: def, Overridden: true,
	})
}

// handleDeleteSetting drops the override; the default stays in force.
func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settings.Known(key) {
		httputil.WriteError(w, liberr.NotFoundf("setting %s", key))
		return
	}
	if err := s.store.DeleteConfig(key); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDuplicateReport(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.DuplicateFiles()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if groups == nil {
		groups = []*catalog.DuplicateGroup{}
	}
	httputil.WriteJSON(w, http.StatusOK, groups)
}

// undefinedToken is a bracket token found in filenames that resolves
// to no tag or alias.
type undefinedToken struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

func (s *Server) handleUndefinedTagsReport(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.FileStatsUnderRoot(0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	counts := make(map[string]int)
	for _, fs := range stats {
		if fs.IsMissing {
			continue
		}
		for _, tok := range scanner.BracketTokens(filepath.Base(fs.Path)) {
			counts[strings.ToLower(tok)]++
		}
	}
	out := []undefinedToken{}
	for tok, n := range counts {
		if _, err := s.store.TagByName(tok); err == nil {
			continue
		} else if httputil.StatusOf(err) != http.StatusNotFound {
			httputil.WriteError(w, err)
			return
		}
		out = append(out, undefinedToken{Token: tok, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleUntypedTagsReport(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.UntypedTags()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if tags == nil {
		tags = []*catalog.Tag{}
	}
	httputil.WriteJSON(w, http.StatusOK, tags)
}
