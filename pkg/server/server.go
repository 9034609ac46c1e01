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

// Package server exposes the HTTP surface: library browsing, page
// streaming, covers, tasks, taxonomy and settings.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/CaoBiang/Manga-ULM/pkg/archive"
	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/covercache"
	"github.com/CaoBiang/Manga-ULM/pkg/rename"
	"github.com/CaoBiang/Manga-ULM/pkg/scanner"
	"github.com/CaoBiang/Manga-ULM/pkg/settings"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

// Config wires a Server to its collaborators and instance layout.
type Config struct {
	Store      *catalog.Store
	Reader     *archive.Reader
	Covers     *covercache.Cache
	Settings   *settings.Provider
	Engine     *taskengine.Engine
	Scanner    *scanner.Scanner
	Mutator    *rename.Mutator
	DBPath     string
	BackupsDir string
	Log        *logrus.Entry
}

// Server handles the API.
type Server struct {
	store      *catalog.Store
	reader     *archive.Reader
	covers     *covercache.Cache
	settings   *settings.Provider
	engine     *taskengine.Engine
	scanner    *scanner.Scanner
	mutator    *rename.Mutator
	dbPath     string
	backupsDir string
	log        *logrus.Entry
}

// New returns a Server over cfg.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		store:      cfg.Store,
		reader:     cfg.Reader,
		covers:     cfg.Covers,
		settings:   cfg.Settings,
		engine:     cfg.Engine,
		scanner:    cfg.Scanner,
		mutator:    cfg.Mutator,
		dbPath:     cfg.DBPath,
		backupsDir: cfg.BackupsDir,
		log:        log,
	}
}

// Handler builds the chi router for the whole API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{id}", s.handleGetFile)
		r.Patch("/files/{id}", s.handlePatchFile)
		r.Get("/files/{id}/pages/{page}", s.handleServePage)
		r.Get("/files/{id}/pages/{page}/metadata", s.handlePageMetadata)
		r.Get("/files/{id}/cover", s.handleFileCover)
		r.Get("/covers/{name}", s.handleCoverByName)

		r.Get("/files/{id}/bookmarks", s.handleListBookmarks)
		r.Post("/files/{id}/bookmarks", s.handleAddBookmark)
		r.Delete("/bookmarks/{id}", s.handleDeleteBookmark)
		r.Put("/files/{id}/like", s.handleLike)
		r.Delete("/files/{id}/like", s.handleUnlike)

		r.Post("/file-tag-batches", s.handleFileTagBatch)
		r.Post("/file-renames", s.handleBatchRename)
		r.Post("/scan-jobs", s.handleScanJobs)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Patch("/tasks/{id}", s.handlePatchTask)
		r.Delete("/task-history", s.handleTrimTaskHistory)

		r.Get("/backups", s.handleListBackups)
		r.Post("/backups", s.handleCreateBackup)
		r.Post("/backup-restores", s.handleRestoreBackup)

		r.Get("/library-paths", s.handleListRoots)
		r.Post("/library-paths", s.handleAddRoot)
		r.Delete("/library-paths/{id}", s.handleRemoveRoot)

		r.Get("/tags", s.handleListTags)
		r.Get("/tag-tree", s.handleTagTree)
		r.Post("/tags", s.handleCreateTag)
		r.Patch("/tags/{id}", s.handleUpdateTag)
		r.Delete("/tags/{id}", s.handleDeleteTag)

		r.Get("/tag-types", s.handleListTagTypes)
		r.Post("/tag-types", s.handleCreateTagType)
		r.Patch("/tag-types/{id}", s.handleUpdateTagType)
		r.Delete("/tag-types/{id}", s.handleDeleteTagType)

		r.Get("/tag-aliases", s.handleListAliases)
		r.Post("/tag-aliases", s.handleCreateAlias)
		r.Delete("/tag-aliases/{id}", s.handleDeleteAlias)

		r.Post("/tag-file-changes", s.handleTagFileChange)
		r.Post("/tag-splits", s.handleTagSplit)
		r.Post("/tag-merges", s.handleTagMerge)

		r.Get("/integrity-checks", s.handleIntegrityReport)
		r.Post("/integrity-checks", s.handleRunIntegrityCheck)
		r.Post("/missing-file-cleanups", s.handleMissingCleanup)

		r.Get("/settings", s.handleListSettings)
		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handlePutSetting)
		r.Delete("/settings/{key}", s.handleDeleteSetting)

		r.Get("/stats/files", s.handleStats)
		r.Get("/reports/duplicate-files", s.handleDuplicateReport)
		r.Get("/reports/undefined-tags", s.handleUndefinedTagsReport)
		r.Get("/reports/untyped-tags", s.handleUntypedTagsReport)
	})
	return r
}
