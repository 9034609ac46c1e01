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

// Package scanner reconciles library roots with the catalog. Analysis
// runs on a bounded worker pool; all store writes happen on the task
// goroutine, committed in small batches.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/CaoBiang/Manga-ULM/pkg/archive"
	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/covercache"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
	"github.com/CaoBiang/Manga-ULM/pkg/settings"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

// persistBatchSize bounds how many analysis results one commit covers.
const persistBatchSize = 10

const hashBufSize = 1 << 20

var bracketToken = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Scanner walks library roots and keeps the catalog in sync.
type Scanner struct {
	store    *catalog.Store
	reader   *archive.Reader
	covers   *covercache.Cache
	settings *settings.Provider
	log      *logrus.Entry
}

// New returns a Scanner over the given collaborators.
func New(store *catalog.Store, reader *archive.Reader, covers *covercache.Cache, set *settings.Provider, log *logrus.Entry) *Scanner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scanner{store: store, reader: reader, covers: covers, settings: set, log: log}
}

// progressState accumulates work items across roots of one task.
type progressState struct {
	processed int64
	total     int64
}

// Run scans one root, or every root when rootID is 0. It is shaped as
// a taskengine Runner body.
func (s *Scanner) Run(ctx context.Context, h *taskengine.Handle, rootID int64) error {
	cfg := s.settings.Scan()

	var roots []*catalog.LibraryRoot
	if rootID != 0 {
		root, err := s.store.RootByID(rootID)
		if err != nil {
			return err
		}
		roots = append(roots, root)
	} else {
		var err error
		roots, err = s.store.ListRoots()
		if err != nil {
			return err
		}
	}

	st := &progressState{}
	for _, root := range roots {
		if err := h.CheckCancelled(); err != nil {
			return err
		}
		if err := s.scanRoot(ctx, h, root, cfg, st); err != nil {
			return errors.Wrapf(err, "scan %s", root.Path)
		}
	}
	return nil
}

func (s *Scanner) scanRoot(ctx context.Context, h *taskengine.Handle, root *catalog.LibraryRoot, cfg settings.ScanConfig, st *progressState) error {
	rootPath := pathutil.NormalizeRoot(root.Path)
	if fi, err := os.Stat(rootPath); err != nil || !fi.IsDir() {
		return errors.Errorf("library root %s is not accessible", rootPath)
	}
	log := s.log.WithField("root", rootPath)

	discovered, err := s.discover(rootPath, log)
	if err != nil {
		return err
	}

	analyze, analyzedUnchanged, err := s.reconcile(root.ID, discovered)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"discovered": len(discovered),
		"to_analyze": len(analyze),
		"unchanged":  len(analyzedUnchanged),
	}).Info("scan reconciled")

	st.total += int64(len(analyze))
	h.Progress(st.processed, st.total, rootPath)

	analyzedIDs, err := s.analyzePhase(ctx, h, root.ID, analyze, cfg, st)
	if err != nil {
		return err
	}

	if cfg.CoverMode == "scan" {
		if err := s.coverPhase(ctx, h, analyzedIDs, analyzedUnchanged, cfg, st); err != nil {
			return err
		}
	}
	return nil
}

type discoveredFile struct {
	path  string
	size  int64
	mtime int64
}

// discover walks the root collecting supported archives. Stat failures
// are logged and skipped, never fatal.
func (s *Scanner) discover(rootPath string, log *logrus.Entry) (map[string]discoveredFile, error) {
	out := make(map[string]discoveredFile)
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("walk error, skipping")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !archive.IsSupported(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("stat failed, skipping")
			return nil
		}
		p := pathutil.NormalizeFile(path)
		out[p] = discoveredFile{path: p, size: info.Size(), mtime: info.ModTime().Unix()}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk library root")
	}
	return out, nil
}

// reconcile splits the discovery set against stored rows. It marks
// vanished rows missing, clears the flag on reappeared ones, and
// returns the paths needing analysis plus the unchanged rows.
func (s *Scanner) reconcile(rootID int64, discovered map[string]discoveredFile) ([]discoveredFile, []catalog.FileStat, error) {
	stored, err := s.store.FileStatsUnderRoot(rootID)
	if err != nil {
		return nil, nil, err
	}

	byPath := make(map[string]catalog.FileStat, len(stored))
	var missing, reappeared []string
	for _, row := range stored {
		byPath[row.Path] = row
		_, onDisk := discovered[row.Path]
		switch {
		case !onDisk && !row.IsMissing:
			missing = append(missing, row.Path)
		case onDisk && row.IsMissing:
			reappeared = append(reappeared, row.Path)
		}
	}
	if err := s.store.MarkMissingByPaths(missing); err != nil {
		return nil, nil, err
	}
	if err := s.store.MarkPresentByPaths(reappeared); err != nil {
		return nil, nil, err
	}

	var analyze []discoveredFile
	var unchanged []catalog.FileStat
	for _, d := range discovered {
		if row, ok := byPath[d.path]; ok && row.Size == d.size && row.Mtime == d.mtime {
			unchanged = append(unchanged, row)
			continue
		}
		analyze = append(analyze, d)
	}
	return analyze, unchanged, nil
}

// analyzePhase fans analysis out over the worker pool and persists
// results in commit batches on this goroutine. It returns id -> path
// for every analyzed file.
func (s *Scanner) analyzePhase(ctx context.Context, h *taskengine.Handle, rootID int64, analyze []discoveredFile, cfg settings.ScanConfig, st *progressState) (map[int64]string, error) {
	analyzedIDs := make(map[int64]string)
	if len(analyze) == 0 {
		return analyzedIDs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxWorkers)
	results := make(chan catalog.ScanResult, cfg.MaxWorkers)

	go func() {
		defer close(results)
		for _, d := range analyze {
			if h.Cancelled() || gctx.Err() != nil {
				break
			}
			d := d
			g.Go(func() error {
				res, err := s.analyzeOne(gctx, rootID, d, cfg.HashMode == "full")
				if err != nil {
					s.log.WithError(err).WithField("path", d.path).Warn("analysis failed, skipping")
					return nil
				}
				select {
				case results <- res:
				case <-gctx.Done():
				}
				return nil
			})
		}
		g.Wait()
	}()

	var batch []catalog.ScanResult
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := s.store.ApplyScanResults(batch)
		if err != nil {
			return err
		}
		for i, id := range ids {
			analyzedIDs[id] = batch[i].Path
		}
		batch = batch[:0]
		return nil
	}

	for res := range results {
		batch = append(batch, res)
		if len(batch) >= persistBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		st.processed++
		h.Progress(st.processed, st.total, res.Path)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := h.CheckCancelled(); err != nil {
		return nil, err
	}
	return analyzedIDs, ctx.Err()
}

// analyzeOne is pure: it reads the archive and returns a result record
// without touching the store.
func (s *Scanner) analyzeOne(ctx context.Context, rootID int64, d discoveredFile, hash bool) (catalog.ScanResult, error) {
	entries, err := s.reader.Entries(ctx, d.path)
	if err != nil {
		return catalog.ScanResult{}, err
	}
	res := catalog.ScanResult{
		LibraryPathID: rootID,
		Path:          d.path,
		Size:          d.size,
		Mtime:         d.mtime,
		TotalPages:    len(entries),
		TagNames:      BracketTokens(filepath.Base(d.path)),
	}
	if hash {
		sum, err := hashFile(d.path)
		if err != nil {
			return catalog.ScanResult{}, err
		}
		res.SHA256 = sum
	}
	s.log.WithFields(logrus.Fields{
		"path":  d.path,
		"pages": res.TotalPages,
		"size":  humanize.Bytes(uint64(d.size)),
	}).Debug("analyzed")
	return res, nil
}

// coverPhase generates covers for analyzed files (forced) and, when
// configured, for unchanged files whose cover vanished from disk.
func (s *Scanner) coverPhase(ctx context.Context, h *taskengine.Handle, analyzed map[int64]string, unchanged []catalog.FileStat, cfg settings.ScanConfig, st *progressState) error {
	type coverJob struct {
		fileID int64
		path   string
		force  bool
	}
	var jobs []coverJob
	for id, path := range analyzed {
		jobs = append(jobs, coverJob{fileID: id, path: path, force: true})
	}
	if cfg.RegenerateMissing {
		for _, row := range unchanged {
			if !s.covers.Exists(row.ID, cfg.ShardCount) {
				jobs = append(jobs, coverJob{fileID: row.ID, path: row.Path})
			}
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	st.total += int64(len(jobs))
	h.Progress(st.processed, st.total, "")

	coverCfg := covercache.Config{
		ShardCount:   cfg.ShardCount,
		MaxWidth:     cfg.CoverMaxWidth,
		TargetKB:     cfg.CoverTargetKB,
		QualityStart: cfg.CoverQualityStart,
		QualityMin:   cfg.CoverQualityMin,
		QualityStep:  cfg.CoverQualityStep,
	}

	var mu sync.Mutex
	var generated []int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxWorkers)
	for _, job := range jobs {
		if h.Cancelled() {
			break
		}
		job := job
		g.Go(func() error {
			wrote, err := s.covers.Generate(gctx, job.path, job.fileID, coverCfg, job.force)
			if err != nil {
				s.log.WithError(err).WithField("path", job.path).Warn("cover generation failed")
			} else if wrote {
				mu.Lock()
				generated = append(generated, job.fileID)
				mu.Unlock()
			}
			mu.Lock()
			st.processed++
			processed, total := st.processed, st.total
			mu.Unlock()
			h.Progress(processed, total, job.path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(generated) > 0 {
		if err := s.store.SetCoverUpdatedAt(generated, time.Now().Unix()); err != nil {
			return err
		}
	}
	return h.CheckCancelled()
}

// BracketTokens extracts the [token] names from a file basename, in
// order, trimmed, with empties dropped.
func BracketTokens(basename string) []string {
	var out []string
	for _, m := range bracketToken.FindAllStringSubmatch(basename, -1) {
		tok := strings.TrimSpace(m[1])
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", liberr.NotFoundf("hash %s", path)
		}
		return "", errors.Wrap(err, "open for hashing")
	}
	defer f.Close()
	hasher := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", errors.Wrap(err, "hash file")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
