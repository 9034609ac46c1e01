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
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
	"github.com/CaoBiang/Manga-ULM/pkg/rename"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

// fileListPage is the paged response of the listing endpoint.
type fileListPage struct {
	Files   []*catalog.File `json:"files"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseListQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	files, total, err := s.store.ListFiles(q)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if files == nil {
		files = []*catalog.File{}
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
	httputil.WriteJSON(w, http.StatusOK, fileListPage{
		Files: files, Total: total, Page: page, PerPage: perPage,
	})
}

func (s *Server) parseListQuery(r *http.Request) (catalog.ListQuery, error) {
	var q catalog.ListQuery
	var err error
	if q.Page, err = httputil.QueryInt(r, "page", 1); err != nil {
		return q, err
	}
	if q.PerPage, err = httputil.QueryInt(r, "per_page", 50); err != nil {
		return q, err
	}
	q.SortBy = r.URL.Query().Get("sort_by")
	q.SortOrder = r.URL.Query().Get("sort_order")
	q.Keyword = r.URL.Query().Get("keyword")
	q.TagMode = r.URL.Query().Get("tag_mode")
	q.Statuses = httputil.QueryStringList(r, "statuses")
	if q.TagIDs, err = httputil.QueryIDList(r, "tags"); err != nil {
		return q, err
	}
	if q.ExcludeTagIDs, err = httputil.QueryIDList(r, "exclude_tags"); err != nil {
		return q, err
	}
	if q.Liked, err = httputil.QueryBoolPtr(r, "liked"); err != nil {
		return q, err
	}
	if q.MinPages, err = httputil.QueryIntPtr(r, "min_pages"); err != nil {
		return q, err
	}
	if q.MaxPages, err = httputil.QueryIntPtr(r, "max_pages"); err != nil {
		return q, err
	}
	if q.MinSize, err = httputil.QueryInt64Ptr(r, "min_size"); err != nil {
		return q, err
	}
	if q.MaxSize, err = httputil.QueryInt64Ptr(r, "max_size"); err != nil {
		return q, err
	}
	if q.IsMissing, err = httputil.QueryBoolPtr(r, "is_missing"); err != nil {
		return q, err
	}
	if q.IncludeMissing, err = httputil.QueryBool(r, "include_missing", false); err != nil {
		return q, err
	}
	if rootID, err := httputil.QueryInt64Ptr(r, "library_path_id"); err != nil {
		return q, err
	} else if rootID != nil {
		q.LibraryPathID = *rootID
	}

	// Descendant expansion happens here so the store only ever sees a
	// flat id list.
	withDesc, err := httputil.QueryBool(r, "include_descendants", false)
	if err != nil {
		return q, err
	}
	if withDesc && len(q.TagIDs) > 0 {
		if q.TagIDs, err = s.store.DescendantTagIDs(q.TagIDs); err != nil {
			return q, err
		}
	}
	return q, nil
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	f, err := s.store.FileByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

// filePatch is the writable subset of a file record.
type filePatch struct {
	ReadingStatus *string `json:"reading_status"`
	LastReadPage  *int    `json:"last_read_page"`
	NewFilename   *string `json:"new_filename"`
}

func (s *Server) handlePatchFile(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var p filePatch
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.WriteError(w, err)
		return
	}
	f, err := s.store.FileByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if p.ReadingStatus != nil || p.LastReadPage != nil {
		status := f.ReadingStatus
		if p.ReadingStatus != nil {
			status = *p.ReadingStatus
		}
		if !catalog.ValidReadingStatus(status) {
			httputil.WriteError(w, liberr.BadRequestf("unknown reading status %q", status))
			return
		}
		page := f.LastReadPage
		if p.LastReadPage != nil {
			page = *p.LastReadPage
		}
		// Progress stays inside [0, pages-1]; empty archives pin it at 0.
		lastPage := f.TotalPages - 1
		if lastPage < 0 {
			lastPage = 0
		}
		if page < 0 {
			page = 0
		}
		if page > lastPage {
			page = lastPage
		}
		switch {
		case status == catalog.StatusUnread:
			page = 0
		case status == catalog.StatusFinished:
			page = lastPage
		case status == catalog.StatusInProgress && f.TotalPages > 0 && page == lastPage:
			// Reaching the last page finishes the book.
			status = catalog.StatusFinished
		}
		if err := s.store.UpdateReadingState(id, status, page); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	if p.NewFilename != nil {
		if err := s.renameFileTo(f, *p.NewFilename); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	f, err = s.store.FileByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, f)
}

// renameFileTo moves a file to a new basename inside its directory.
// The extension is preserved and forbidden characters are replaced.
func (s *Server) renameFileTo(f *catalog.File, newName string) error {
	if f.IsMissing {
		return liberr.BadRequestf("file %d is missing on disk", f.ID)
	}
	ext := filepath.Ext(f.FilePath)
	base := rename.SanitizeBasename(newName)
	if base == "" {
		return liberr.BadRequestf("empty filename")
	}
	if filepath.Ext(base) == "" {
		base += ext
	}
	dst := pathutil.NormalizeFile(filepath.Join(filepath.Dir(f.FilePath), base))
	if pathutil.Equal(dst, f.FilePath) {
		return nil
	}
	if err := rename.File(f.FilePath, dst); err != nil {
		return err
	}
	return s.store.UpdateFilePath(f.ID, dst)
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	marks, err := s.store.BookmarksForFile(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if marks == nil {
		marks = []*catalog.Bookmark{}
	}
	httputil.WriteJSON(w, http.StatusOK, marks)
}

func (s *Server) handleAddBookmark(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body struct {
		PageNumber int    `json:"page_number"`
		Note       string `json:"note"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if body.PageNumber < 0 {
		httputil.WriteError(w, liberr.BadRequestf("negative page number"))
		return
	}
	if _, err := s.store.FileByID(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	b := &catalog.Bookmark{FileID: id, PageNumber: body.PageNumber, Note: body.Note}
	if err := s.store.AddBookmark(b); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.DeleteBookmark(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.setLiked(w, r, true)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.setLiked(w, r, false)
}

func (s *Server) setLiked(w http.ResponseWriter, r *http.Request, liked bool) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if _, err := s.store.FileByID(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.SetLiked(id, liked); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fileTagBatch applies tag operations to many files at once. Exactly
// one of the tag id lists must be present; set replaces, add and
// remove adjust.
type fileTagBatch struct {
	FileIDs      []int64  `json:"file_ids"`
	SetTagIDs    *[]int64 `json:"set_tag_ids"`
	AddTagIDs    []int64  `json:"add_tag_ids"`
	RemoveTagIDs []int64  `json:"remove_tag_ids"`
}

func (s *Server) handleFileTagBatch(w http.ResponseWriter, r *http.Request) {
	var b fileTagBatch
	if err := httputil.DecodeJSON(r, &b); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(b.FileIDs) == 0 {
		httputil.WriteError(w, liberr.BadRequestf("no file ids"))
		return
	}
	if b.SetTagIDs != nil && (len(b.AddTagIDs) > 0 || len(b.RemoveTagIDs) > 0) {
		httputil.WriteError(w, liberr.BadRequestf("set_tag_ids excludes add/remove"))
		return
	}
	if b.SetTagIDs != nil {
		if err := s.store.SetFileTags(b.FileIDs, *b.SetTagIDs); err != nil {
			httputil.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(b.AddTagIDs) == 0 && len(b.RemoveTagIDs) == 0 {
		httputil.WriteError(w, liberr.BadRequestf("no tag operation given"))
		return
	}
	if len(b.AddTagIDs) > 0 {
		if err := s.store.AddFileTags(b.FileIDs, b.AddTagIDs); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if len(b.RemoveTagIDs) > 0 {
		if err := s.store.RemoveFileTags(b.FileIDs, b.RemoveTagIDs); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// batchRenameRequest submits the template rename task. The root is the
// library root the renamed paths stay under.
type batchRenameRequest struct {
	FileIDs       []int64 `json:"file_ids"`
	Template      string  `json:"template"`
	LibraryPathID int64   `json:"library_path_id"`
}

func (s *Server) handleBatchRename(w http.ResponseWriter, r *http.Request) {
	var req batchRenameRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(req.FileIDs) == 0 || req.Template == "" || req.LibraryPathID == 0 {
		httputil.WriteError(w, liberr.BadRequestf("file_ids, template and library_path_id are required"))
		return
	}
	root, err := s.store.RootByID(req.LibraryPathID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rootID := req.LibraryPathID
	task, err := s.engine.Submit(r.Context(), taskengine.Spec{
		Type:               taskTypeRename,
		Name:               "Rename files by template",
		TargetPath:         root.Path,
		LibraryPathID:      &rootID,
		Exclusive:          true,
		CancelPollInterval: s.cancelPollInterval(),
	}, func(ctx context.Context, h *taskengine.Handle) error {
		return s.mutator.BatchRename(ctx, h, req.FileIDs, req.Template, root.Path)
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}
