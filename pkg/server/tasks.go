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
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

const (
	taskTypeScan      = "scan"
	taskTypeIntegrity = "integrity_check"
	taskTypeRename    = "rename"
	taskTypeTagChange = "tag_change"
	taskTypeTagSplit  = "tag_split"
)

func (s *Server) cancelPollInterval() time.Duration {
	return time.Duration(s.settings.Scan().CancelCheckInterval) * time.Millisecond
}

// scanJobRequest starts scans. No target means the whole library.
type scanJobRequest struct {
	LibraryPathID  *int64  `json:"library_path_id"`
	LibraryPathIDs []int64 `json:"library_path_ids"`
}

func (s *Server) handleScanJobs(w http.ResponseWriter, r *http.Request) {
	var req scanJobRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	rootIDs := req.LibraryPathIDs
	if req.LibraryPathID != nil {
		rootIDs = append(rootIDs, *req.LibraryPathID)
	}

	if len(rootIDs) == 0 {
		task, err := s.submitScan(r.Context(), 0)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, task)
		return
	}

	tasks := make([]*catalog.Task, 0, len(rootIDs))
	for _, rootID := range rootIDs {
		task, err := s.submitScan(r.Context(), rootID)
		if err != nil {
			// Already submitted roots keep scanning.
			httputil.WriteError(w, err)
			return
		}
		tasks = append(tasks, task)
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"tasks": tasks})
}

func (s *Server) submitScan(ctx context.Context, rootID int64) (*catalog.Task, error) {
	spec := taskengine.Spec{
		Type:               taskTypeScan,
		Name:               "Scan library",
		Exclusive:          true,
		CancelPollInterval: s.cancelPollInterval(),
	}
	if rootID != 0 {
		root, err := s.store.RootByID(rootID)
		if err != nil {
			return nil, err
		}
		spec.Name = fmt.Sprintf("Scan %s", root.Path)
		spec.TargetPath = root.Path
		spec.LibraryPathID = &rootID
	}
	id := rootID
	return s.engine.Submit(ctx, spec, func(ctx context.Context, h *taskengine.Handle) error {
		return s.scanner.Run(ctx, h, id)
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", 20)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	active, err := httputil.QueryBool(r, "active_only", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(catalog.TaskFilter{
		Status:     r.URL.Query().Get("status"),
		Type:       r.URL.Query().Get("task_type"),
		ActiveOnly: active,
		Limit:      limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*catalog.Task{}
	}
	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := s.store.TaskByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// handlePatchTask accepts exactly one transition: to cancelled.
func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.Status != catalog.TaskCancelled {
		httputil.WriteError(w, liberr.BadRequestf("tasks can only be cancelled, not set to %q", body.Status))
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := s.store.TaskByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleTrimTaskHistory(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.QueryInt(r, "days", s.settings.RetentionDays())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if days < 0 || days > 3650 {
		httputil.WriteError(w, liberr.BadRequestf("retention %d outside [0, 3650]", days))
		return
	}
	n, err := s.engine.CleanupHistory(days)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleIntegrityReport(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.CorruptedFiles()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if files == nil {
		files = []*catalog.File{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"corrupted": files})
}

func (s *Server) handleRunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Submit(r.Context(), taskengine.Spec{
		Type:               taskTypeIntegrity,
		Name:               "Verify archive integrity",
		Exclusive:          true,
		CancelPollInterval: s.cancelPollInterval(),
	}, s.scanner.VerifyIntegrity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

// missingCleanupRequest deletes missing records; empty means all of them.
type missingCleanupRequest struct {
	FileIDs []int64 `json:"file_ids"`
}

func (s *Server) handleMissingCleanup(w http.ResponseWriter, r *http.Request) {
	var req missingCleanupRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	ids := req.FileIDs
	if len(ids) == 0 {
		stats, err := s.store.FileStatsUnderRoot(0)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		for _, st := range stats {
			if st.IsMissing {
				ids = append(ids, st.ID)
			}
		}
	}
	n, err := s.store.DeleteFiles(ids)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	shards := s.settings.ShardCount()
	for _, id := range ids {
		if err := s.covers.Remove(id, shards); err != nil {
			s.log.WithError(err).WithField("file", id).Warn("remove cover")
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
