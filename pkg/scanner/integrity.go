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

package scanner

import (
	"context"
	"os"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

// VerifyIntegrity walks every non-missing file and records whether its
// archive still opens and lists cleanly. Files that vanished since the
// last scan are skipped; a rescan owns the missing flag.
func (s *Scanner) VerifyIntegrity(ctx context.Context, h *taskengine.Handle) error {
	stats, err := s.store.FileStatsUnderRoot(0)
	if err != nil {
		return err
	}
	var files []catalog.FileStat
	for _, st := range stats {
		if !st.IsMissing {
			files = append(files, st)
		}
	}

	corrupt := 0
	for i, fs := range files {
		if err := h.CheckCancelled(); err != nil {
			return err
		}
		status := catalog.IntegrityOK
		if _, err := os.Stat(fs.Path); err != nil {
			continue
		}
		if _, err := s.reader.Entries(ctx, fs.Path); err != nil {
			status = catalog.IntegrityCorrupted
			corrupt++
			s.log.WithError(err).WithField("path", fs.Path).Warn("integrity check failed")
		}
		if err := s.store.SetIntegrityStatus(fs.ID, status); err != nil {
			return err
		}
		h.Progress(int64(i+1), int64(len(files)), fs.Path)
	}
	s.log.WithField("files", len(files)).WithField("corrupt", corrupt).
		Info("integrity check finished")
	return nil
}
