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

package rename

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
	"github.com/CaoBiang/Manga-ULM/pkg/scanner"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// Mutator runs the rename-flavored tasks: batch rename by template,
// tag file-change, and tag split. Every file is its own small
// transaction; per-file failures are tallied, not fatal.
type Mutator struct {
	store *catalog.Store
	log   *logrus.Entry
}

// NewMutator returns a Mutator over store.
func NewMutator(store *catalog.Store, log *logrus.Entry) *Mutator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mutator{store: store, log: log}
}

// tally tracks per-file outcomes for the task verdict.
type tally struct {
	done    int64
	failed  int64
	lastErr error
}

func (t *tally) fail(err error) {
	t.failed++
	t.lastErr = err
}

// verdict turns the tally into the runner's return: nil only when
// every file succeeded.
func (t *tally) verdict(what string) error {
	if t.failed == 0 {
		return nil
	}
	return errors.Wrapf(t.lastErr, "%d of %d %s failed, last error", t.failed, t.done, what)
}

// BatchRename renames each file per template, then updates the row
// and re-syncs its tag links.
func (m *Mutator) BatchRename(ctx context.Context, h *taskengine.Handle, fileIDs []int64, template, root string) error {
	var tl tally
	total := int64(len(fileIDs))
	for _, id := range fileIDs {
		if err := h.CheckCancelled(); err != nil {
			return err
		}
		tl.done++
		if err := m.renameOne(id, template, root); err != nil {
			m.log.WithError(err).WithField("file_id", id).Warn("rename failed")
			tl.fail(err)
			h.Fail(tl.done, total, "", err.Error())
			continue
		}
		h.Progress(tl.done, total, "")
	}
	return tl.verdict("renames")
}

func (m *Mutator) renameOne(id int64, template, root string) error {
	f, err := m.store.FileByID(id)
	if err != nil {
		return err
	}
	if f.IsMissing {
		return liberr.BadRequestf("file %d is missing on disk", id)
	}
	dst, err := TemplatePath(f, template, root)
	if err != nil {
		return err
	}
	if dst == f.FilePath {
		return nil
	}
	if err := File(f.FilePath, dst); err != nil {
		return err
	}
	if err := m.store.UpdateFilePath(f.ID, dst); err != nil {
		return err
	}
	return m.resyncFile(f.ID, dst)
}

// TagFileChange removes or renames a tag's bracket token in every
// affected filename, then folds the taxonomy to match.
func (m *Mutator) TagFileChange(ctx context.Context, h *taskengine.Handle, tagID int64, action, newName string) error {
	switch action {
	case "delete":
	case "rename":
		newName = strings.TrimSpace(newName)
		if newName == "" {
			return liberr.BadRequestf("rename needs a new tag name")
		}
		newName = sanitizePart(newName)
	default:
		return liberr.BadRequestf("unknown tag file-change action %q", action)
	}

	tag, err := m.store.TagByID(tagID)
	if err != nil {
		return err
	}
	patterns, err := m.tagPatterns(tag)
	if err != nil {
		return err
	}

	repl := ""
	if action == "rename" {
		repl = "[" + newName + "]"
	}

	affected, err := m.filesMatchingPatterns(patterns)
	if err != nil {
		return err
	}

	var tl tally
	total := int64(len(affected))
	var resync []renamedFile
	for _, fs := range affected {
		if err := h.CheckCancelled(); err != nil {
			return err
		}
		tl.done++
		newPath, err := m.retokenizeFile(fs, patterns, repl)
		if err != nil {
			tl.fail(err)
			h.Fail(tl.done, total, fs.Path, err.Error())
			continue
		}
		resync = append(resync, renamedFile{id: fs.ID, path: newPath})
		h.Progress(tl.done, total, newPath)
	}

	if action == "rename" {
		if err := m.foldTagRename(tag, newName); err != nil {
			return err
		}
	} else if tl.failed == 0 {
		if err := m.store.DeleteTag(tagID); err != nil {
			return err
		}
	}

	for _, rf := range resync {
		if err := m.resyncFile(rf.id, rf.path); err != nil {
			tl.fail(err)
		}
	}
	return tl.verdict("files")
}

type renamedFile struct {
	id   int64
	path string
}

// retokenizeFile rewrites every [pattern] occurrence in the basename
// and performs the disk rename when the name actually changed.
func (m *Mutator) retokenizeFile(fs catalog.FileStat, patterns []string, repl string) (string, error) {
	dir := filepath.Dir(fs.Path)
	base := filepath.Base(fs.Path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for _, p := range patterns {
		stem = replaceFold(stem, "["+p+"]", repl)
	}
	stem = strings.TrimSpace(multiSpace.ReplaceAllString(stem, " "))
	if stem == "" {
		stem = "untitled"
	}
	newPath := pathutil.NormalizeFile(filepath.Join(dir, SanitizeBasename(stem+ext)))
	if newPath == fs.Path {
		return fs.Path, nil
	}
	if err := File(fs.Path, newPath); err != nil {
		return "", err
	}
	if err := m.store.UpdateFilePath(fs.ID, newPath); err != nil {
		return "", err
	}
	return newPath, nil
}

// foldTagRename points the taxonomy at newName: merge into an existing
// tag of that name, or rename in place keeping the old spelling as an
// alias.
func (m *Mutator) foldTagRename(tag *catalog.Tag, newName string) error {
	existing, err := m.store.TagByName(newName)
	switch {
	case err == nil && existing.ID != tag.ID:
		return m.store.MergeTags(tag.ID, existing.ID)
	case err == nil:
		// newName is already an alias of this very tag; promote it.
		if err := m.store.DeleteAliasNamed(newName); err != nil {
			return err
		}
	case !errors.Is(err, liberr.ErrNotFound):
		return err
	}
	if err := m.store.RenameTag(tag.ID, newName); err != nil {
		return err
	}
	err = m.store.CreateAlias(&catalog.TagAlias{TagID: tag.ID, AliasName: tag.Name})
	if err != nil && !errors.Is(err, liberr.ErrConflict) {
		return err
	}
	return nil
}

// TagSplit replaces the source tag with several new ones, rewriting
// filenames and associations. The source tag is deleted only when
// every file succeeded.
func (m *Mutator) TagSplit(ctx context.Context, h *taskengine.Handle, sourceID int64, newNames []string) error {
	names, err := cleanSplitNames(newNames)
	if err != nil {
		return err
	}
	source, err := m.store.TagByID(sourceID)
	if err != nil {
		return err
	}
	patterns, err := m.tagPatterns(source)
	if err != nil {
		return err
	}

	newIDs := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := m.ensureSplitTag(name, source)
		if err != nil {
			return err
		}
		newIDs = append(newIDs, id)
	}

	suffix := ""
	for _, name := range names {
		suffix += "[" + name + "]"
	}

	fileIDs, err := m.store.FileIDsWithTag(sourceID)
	if err != nil {
		return err
	}

	var tl tally
	total := int64(len(fileIDs))
	for _, id := range fileIDs {
		if err := h.CheckCancelled(); err != nil {
			return err
		}
		tl.done++
		if err := m.splitOne(id, patterns, suffix, sourceID, newIDs); err != nil {
			m.log.WithError(err).WithField("file_id", id).Warn("tag split failed for file")
			tl.fail(err)
			h.Fail(tl.done, total, "", err.Error())
			continue
		}
		h.Progress(tl.done, total, "")
	}

	if tl.failed == 0 {
		if err := m.store.DeleteTag(sourceID); err != nil {
			return err
		}
	}
	return tl.verdict("files")
}

func (m *Mutator) splitOne(fileID int64, patterns []string, suffix string, sourceID int64, newIDs []int64) error {
	f, err := m.store.FileByID(fileID)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.FilePath)
	base := filepath.Base(f.FilePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for _, p := range patterns {
		stem = replaceFold(stem, "["+p+"]", "")
	}
	stem = strings.TrimSpace(multiSpace.ReplaceAllString(stem, " "))
	newPath := pathutil.NormalizeFile(filepath.Join(dir, SanitizeBasename(stem+suffix+ext)))
	if newPath != f.FilePath {
		if err := File(f.FilePath, newPath); err != nil {
			return err
		}
		if err := m.store.UpdateFilePath(f.ID, newPath); err != nil {
			return err
		}
	}
	if err := m.store.RemoveFileTags([]int64{f.ID}, []int64{sourceID}); err != nil {
		return err
	}
	return m.store.AddFileTags([]int64{f.ID}, newIDs)
}

// ensureSplitTag finds or creates a split target of the source's type.
// An existing tag of a different type is a conflict.
func (m *Mutator) ensureSplitTag(name string, source *catalog.Tag) (int64, error) {
	existing, err := m.store.TagByName(name)
	if err == nil {
		if !sameTypeID(existing.TypeID, source.TypeID) {
			return 0, errors.Wrapf(liberr.ErrConflict,
				"tag %q exists with a different type", name)
		}
		return existing.ID, nil
	}
	if !errors.Is(err, liberr.ErrNotFound) {
		return 0, err
	}
	nt := &catalog.Tag{Name: name, TypeID: source.TypeID}
	if err := m.store.CreateTag(nt); err != nil {
		return 0, err
	}
	return nt.ID, nil
}

func sameTypeID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cleanSplitNames(raw []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, name := range raw {
		name = sanitizePart(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, liberr.BadRequestf("tag split needs at least one new name")
	}
	return out, nil
}

// tagPatterns is the match set for a tag: its name plus every alias.
func (m *Mutator) tagPatterns(tag *catalog.Tag) ([]string, error) {
	aliases, err := m.store.ListAliases(tag.ID)
	if err != nil {
		return nil, err
	}
	patterns := []string{tag.Name}
	for _, a := range aliases {
		patterns = append(patterns, a.AliasName)
	}
	return patterns, nil
}

// filesMatchingPatterns selects non-missing files whose basename
// contains any [pattern], case-insensitively.
func (m *Mutator) filesMatchingPatterns(patterns []string) ([]catalog.FileStat, error) {
	all, err := m.store.FileStatsUnderRoot(0)
	if err != nil {
		return nil, err
	}
	folded := make([]string, len(patterns))
	for i, p := range patterns {
		folded[i] = strings.ToLower("[" + p + "]")
	}
	var out []catalog.FileStat
	for _, fs := range all {
		if fs.IsMissing {
			continue
		}
		base := strings.ToLower(filepath.Base(fs.Path))
		for _, p := range folded {
			if strings.Contains(base, p) {
				out = append(out, fs)
				break
			}
		}
	}
	return out, nil
}

// ResyncFiles makes each file's tag links equal the resolvable bracket
// tokens of its basename.
func (m *Mutator) ResyncFiles(fileIDs []int64) error {
	for _, id := range fileIDs {
		f, err := m.store.FileByID(id)
		if err != nil {
			return err
		}
		if err := m.resyncFile(id, f.FilePath); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mutator) resyncFile(fileID int64, path string) error {
	tokens := scanner.BracketTokens(filepath.Base(path))
	seen := map[int64]bool{}
	var tagIDs []int64
	for _, tok := range tokens {
		t, err := m.store.TagByName(tok)
		if errors.Is(err, liberr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !seen[t.ID] {
			seen[t.ID] = true
			tagIDs = append(tagIDs, t.ID)
		}
	}
	return m.store.SetFileTags([]int64{fileID}, tagIDs)
}

// replaceFold replaces every occurrence of old in s under Unicode
// simple case folding. Matching happens on the original string, so
// runes whose folded form has a different byte length stay aligned.
func replaceFold(s, old, repl string) string {
	if old == "" {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if n := foldPrefixLen(s[i:], old); n > 0 {
			b.WriteString(repl)
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// foldPrefixLen returns the byte length of the prefix of s that equals
// old under case folding, or 0. The prefix spans exactly as many runes
// as old.
func foldPrefixLen(s, old string) int {
	n := 0
	for range old {
		if n >= len(s) {
			return 0
		}
		_, size := utf8.DecodeRuneInString(s[n:])
		n += size
	}
	if strings.EqualFold(s[:n], old) {
		return n
	}
	return 0
}
