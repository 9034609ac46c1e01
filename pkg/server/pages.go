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
	"crypto/sha1"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CaoBiang/Manga-ULM/pkg/archive"
	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/covercache"
	"github.com/CaoBiang/Manga-ULM/pkg/httputil"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/render"
	"github.com/CaoBiang/Manga-ULM/pkg/settings"
)

// pageRef resolves the {id}/{page} pair to a file and archive entry.
func (s *Server) pageRef(r *http.Request) (*catalog.File, int, archive.Entry, error) {
	id, err := httputil.PathID(chi.URLParam(r, "id"))
	if err != nil {
		return nil, 0, archive.Entry{}, err
	}
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 0 {
		return nil, 0, archive.Entry{}, liberr.BadRequestf("invalid page %q", chi.URLParam(r, "page"))
	}
	f, err := s.store.FileByID(id)
	if err != nil {
		return nil, 0, archive.Entry{}, err
	}
	if f.IsMissing {
		return nil, 0, archive.Entry{}, liberr.NotFoundf("file %d is missing on disk", id)
	}
	entry, ok, err := s.reader.EntryAt(r.Context(), f.FilePath, page)
	if err != nil {
		return nil, 0, archive.Entry{}, err
	}
	if !ok {
		return nil, 0, archive.Entry{}, liberr.NotFoundf("page %d of file %d", page, id)
	}
	return f, page, entry, nil
}

// renderOptions folds per-request overrides over the configured knobs.
func renderOptions(r *http.Request, cfg settings.RenderConfig) (render.Options, error) {
	opt := render.Options{
		MaxSidePx:  cfg.MaxSidePx,
		Format:     cfg.Format,
		Quality:    cfg.Quality,
		Resample:   cfg.Resample,
		WebPMethod: cfg.WebPMethod,
		Optimize:   cfg.Optimize,
	}
	var err error
	if opt.MaxSidePx, err = httputil.QueryInt(r, "max_side", opt.MaxSidePx); err != nil {
		return opt, err
	}
	if opt.Quality, err = httputil.QueryInt(r, "quality", opt.Quality); err != nil {
		return opt, err
	}
	if v := r.URL.Query().Get("format"); v != "" {
		switch v {
		case "auto", "webp", "jpeg", "png":
			opt.Format = v
		default:
			return opt, liberr.BadRequestf("unknown format %q", v)
		}
	}
	if v := r.URL.Query().Get("resample"); v != "" {
		opt.Resample = v
	}
	return opt, nil
}

// pageETag is stable for one file revision, page and render recipe.
func pageETag(f *catalog.File, page int, entry archive.Entry, opt render.Options) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d|%d|%s|%d|%d|%s|%d|%v",
		f.FilePath, f.FileMtime, f.FileSize, page, entry.Name, entry.Size,
		opt.MaxSidePx, opt.Format, opt.Quality, opt.Optimize)))
	return fmt.Sprintf(`W/"%x"`, sum)
}

func etagMatches(r *http.Request, etag string) bool {
	for _, v := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(v) == etag {
			return true
		}
	}
	return false
}

func (s *Server) setCacheHeaders(w http.ResponseWriter, cfg settings.RenderConfig) {
	if !cfg.CacheOn {
		w.Header().Set("Cache-Control", "no-store")
		return
	}
	cc := fmt.Sprintf("private, max-age=%d", cfg.CacheMaxAge)
	if cfg.CacheImmutable {
		cc += ", immutable"
	}
	w.Header().Set("Cache-Control", cc)
}

func (s *Server) handleServePage(w http.ResponseWriter, r *http.Request) {
	f, page, entry, err := s.pageRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cfg := s.settings.Render()
	opt, err := renderOptions(r, cfg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	etag := pageETag(f, page, entry, opt)
	s.setCacheHeaders(w, cfg)
	w.Header().Set("ETag", etag)
	if etagMatches(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// A page is transformed only when a side cap is in effect; the
	// format knob picks the encoding of that transform. Otherwise the
	// original bytes stream straight out of the archive.
	if opt.MaxSidePx > 0 {
		raw, err := s.reader.ReadEntry(r.Context(), f.FilePath, entry)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		out, mime, rerr := render.Page(raw, opt)
		if rerr == nil {
			w.Header().Set("Content-Type", mime)
			w.Header().Set("Content-Length", strconv.Itoa(len(out)))
			_, _ = w.Write(out)
			return
		}
		// An undecodable page still serves, just untransformed.
		s.log.WithError(rerr).WithField("file", f.ID).WithField("page", page).
			Warn("page render failed, serving original")
		w.Header().Set("Content-Type", archive.GuessMIME(entry.Name))
		w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
		_, _ = w.Write(raw)
		return
	}

	w.Header().Set("Content-Type", archive.GuessMIME(entry.Name))
	if entry.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	}
	chunk := cfg.ChunkKB * 1024
	err = s.reader.Stream(r.Context(), f.FilePath, entry, chunk, func(p []byte) error {
		_, werr := w.Write(p)
		return werr
	})
	if err != nil {
		// Headers are gone, so only log.
		s.log.WithError(err).WithField("file", f.ID).WithField("page", page).
			Warn("page stream aborted")
	}
}

// pageMetadata is the shape of the page metadata endpoint.
type pageMetadata struct {
	FileID     int64  `json:"file_id"`
	Page       int    `json:"page"`
	EntryName  string `json:"entry_name"`
	Size       int64  `json:"size"`
	MIME       string `json:"mime"`
	TotalPages int    `json:"total_pages"`
}

func (s *Server) handlePageMetadata(w http.ResponseWriter, r *http.Request) {
	f, page, entry, err := s.pageRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	size, err := s.reader.EntrySize(r.Context(), f.FilePath, entry)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pageMetadata{
		FileID:     f.ID,
		Page:       page,
		EntryName:  entry.Name,
		Size:       size,
		MIME:       archive.GuessMIME(entry.Name),
		TotalPages: f.TotalPages,
	})
}

func (s *Server) handleFileCover(w http.ResponseWriter, r *http.Request) {
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
	shards := s.settings.ShardCount()
	if !s.covers.Exists(id, shards) {
		if f.IsMissing {
			httputil.WriteError(w, liberr.NotFoundf("cover of file %d", id))
			return
		}
		sc := s.settings.Scan()
		_, err := s.covers.Generate(r.Context(), f.FilePath, id, covercache.Config{
			ShardCount:   sc.ShardCount,
			MaxWidth:     sc.CoverMaxWidth,
			TargetKB:     sc.CoverTargetKB,
			QualityStart: sc.CoverQualityStart,
			QualityMin:   sc.CoverQualityMin,
			QualityStep:  sc.CoverQualityStep,
		}, false)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if err := s.store.SetCoverUpdatedAt([]int64{id}, time.Now().Unix()); err != nil {
			s.log.WithError(err).Warn("stamp cover timestamp")
		}
	}
	s.serveCoverFile(w, r, s.covers.Path(id, shards))
}

func (s *Server) handleCoverByName(w http.ResponseWriter, r *http.Request) {
	path, err := s.covers.Resolve(chi.URLParam(r, "name"), s.settings.ShardCount())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.serveCoverFile(w, r, path)
}

func (s *Server) serveCoverFile(w http.ResponseWriter, r *http.Request, path string) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = liberr.NotFoundf("cover %s", path)
		}
		httputil.WriteError(w, err)
		return
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.setCacheHeaders(w, s.settings.Render())
	w.Header().Set("Content-Type", "image/webp")
	// Covers carry a v= buster, so the mtime ETag only backs it up.
	http.ServeContent(w, r, "", st.ModTime(), fh)
}
