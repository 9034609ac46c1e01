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
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if tags == nil {
		tags = []*catalog.Tag{}
	}
	httputil.WriteJSON(w, http.StatusOK, tags)
}

// tagNode is one tag plus its children, for the tree endpoint.
type tagNode struct {
	*catalog.Tag
	Children []*tagNode `json:"children,omitempty"`
}

func (s *Server) handleTagTree(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	nodes := make(map[int64]*tagNode, len(tags))
	for _, t := range tags {
		nodes[t.ID] = &tagNode{Tag: t}
	}
	roots := []*tagNode{}
	for _, t := range tags {
		n := nodes[t.ID]
		if t.ParentID != nil {
			if parent, ok := nodes[*t.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	httputil.WriteJSON(w, http.StatusOK, roots)
}

// tagBody is the writable subset of a tag.
type tagBody struct {
	Name        *string `json:"name"`
	TypeID      *int64  `json:"type_id"`
	ParentID    *int64  `json:"parent_id"`
	Description *string `json:"description"`
	Color       *string `json:"color"`
	IsFavorite  *bool   `json:"is_favorite"`
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var b tagBody
	if err := httputil.DecodeJSON(r, &b); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if b.Name == nil || strings.TrimSpace(*b.Name) == "" {
		httputil.WriteError(w, liberr.BadRequestf("tag name is required"))
		return
	}
	t := &catalog.Tag{
		Name:     strings.TrimSpace(*b.Name),
		TypeID:   b.TypeID,
		ParentID: b.ParentID,
	}
	if b.Description != nil {
		t.Description = *b.Description
	}
	if b.Color != nil {
		t.Color = *b.Color
	}
	if b.IsFavorite != nil {
		t.IsFavorite = *b.IsFavorite
	}
	if err := s.store.CreateTag(t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var b tagBody
	if err := httputil.DecodeJSON(r, &b); err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, err := s.store.TagByID(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if b.Name != nil {
		if strings.TrimSpace(*b.Name) == "" {
			httputil.WriteError(w, liberr.BadRequestf("tag name is required"))
			return
		}
		t.Name = strings.TrimSpace(*b.Name)
	}
	if b.TypeID != nil {
		t.TypeID = b.TypeID
	}
	if b.ParentID != nil {
		if *b.ParentID == 0 {
			t.ParentID = nil
		} else {
			t.ParentID = b.ParentID
		}
	}
	if b.Description != nil {
		t.Description = *b.Description
	}
	if b.Color != nil {
		t.Color = *b.Color
	}
	if b.IsFavorite != nil {
		t.IsFavorite = *b.IsFavorite
	}
	if err := s.store.UpdateTag(t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.DeleteTag(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTagTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListTagTypes()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if types == nil {
		types = []*catalog.TagType{}
	}
	httputil.WriteJSON(w, http.StatusOK, types)
}

func (s *Server) handleCreateTagType(w http.ResponseWriter, r *http.Request) {
	var t catalog.TagType
	if err := httputil.DecodeJSON(r, &t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if strings.TrimSpace(t.Name) == "" {
		httputil.WriteError(w, liberr.BadRequestf("tag type name is required"))
		return
	}
	t.Name = strings.TrimSpace(t.Name)
	if err := s.store.CreateTagType(&t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &t)
}

func (s *Server) handleUpdateTagType(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var t catalog.TagType
	if err := httputil.DecodeJSON(r, &t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if strings.TrimSpace(t.Name) == "" {
		httputil.WriteError(w, liberr.BadRequestf("tag type name is required"))
		return
	}
	t.ID = id
	t.Name = strings.TrimSpace(t.Name)
	if err := s.store.UpdateTagType(&t); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &t)
}

func (s *Server) handleDeleteTagType(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.DeleteTagType(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	tagID, err := httputil.QueryInt64Ptr(r, "tag_id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var id int64
	if tagID != nil {
		id = *tagID
	}
	aliases, err := s.store.ListAliases(id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if aliases == nil {
		aliases = []*catalog.TagAlias{}
	}
	httputil.WriteJSON(w, http.StatusOK, aliases)
}

func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var a catalog.TagAlias
	if err := httputil.DecodeJSON(r, &a); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if a.TagID == 0 || strings.TrimSpace(a.AliasName) == "" {
		httputil.WriteError(w, liberr.BadRequestf("tag_id and alias_name are required"))
		return
	}
	a.AliasName = strings.TrimSpace(a.AliasName)
	if _, err := s.store.TagByID(a.TagID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.CreateAlias(&a); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.DeleteAlias(id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tagFileChangeRequest renames or deletes a tag across files on disk.
type tagFileChangeRequest struct {
	TagID   int64  `json:"tag_id"`
	Action  string `json:"action"` // rename | delete
	NewName string `json:"new_name"`
}

func (s *Server) handleTagFileChange(w http.ResponseWriter, r *http.Request) {
	var req tagFileChangeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.TagID == 0 {
		httputil.WriteError(w, liberr.BadRequestf("tag_id is required"))
		return
	}
	switch req.Action {
	case "rename":
		if strings.TrimSpace(req.NewName) == "" {
			httputil.WriteError(w, liberr.BadRequestf("new_name is required for rename"))
			return
		}
	case "delete":
	default:
		httputil.WriteError(w, liberr.BadRequestf("unknown action %q", req.Action))
		return
	}
	tag, err := s.store.TagByID(req.TagID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := s.engine.Submit(r.Context(), taskengine.Spec{
		Type:               taskTypeTagChange,
		Name:               req.Action + " tag " + tag.Name,
		Exclusive:          true,
		CancelPollInterval: s.cancelPollInterval(),
	}, func(ctx context.Context, h *taskengine.Handle) error {
		return s.mutator.TagFileChange(ctx, h, req.TagID, req.Action, strings.TrimSpace(req.NewName))
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

// tagSplitRequest replaces one tag with several across files on disk.
type tagSplitRequest struct {
	TagID    int64    `json:"source_tag_id"`
	NewNames []string `json:"new_tag_names"`
}

func (s *Server) handleTagSplit(w http.ResponseWriter, r *http.Request) {
	var req tagSplitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.TagID == 0 || len(req.NewNames) == 0 {
		httputil.WriteError(w, liberr.BadRequestf("source_tag_id and new_tag_names are required"))
		return
	}
	tag, err := s.store.TagByID(req.TagID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := s.engine.Submit(r.Context(), taskengine.Spec{
		Type:               taskTypeTagSplit,
		Name:               "split tag " + tag.Name,
		Exclusive:          true,
		CancelPollInterval: s.cancelPollInterval(),
	}, func(ctx context.Context, h *taskengine.Handle) error {
		return s.mutator.TagSplit(ctx, h, req.TagID, req.NewNames)
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

// tagMergeRequest folds one tag into another, keeping the links.
type tagMergeRequest struct {
	SourceID int64 `json:"source_tag_id"`
	TargetID int64 `json:"target_tag_id"`
}

func (s *Server) handleTagMerge(w http.ResponseWriter, r *http.Request) {
	var req tagMergeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.SourceID == 0 || req.TargetID == 0 {
		httputil.WriteError(w, liberr.BadRequestf("source_tag_id and target_tag_id are required"))
		return
	}
	if err := s.store.MergeTags(req.SourceID, req.TargetID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	target, err := s.store.TagByID(req.TargetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, target)
}
