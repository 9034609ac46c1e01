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
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/taskengine"
)

type mutFixture struct {
	store  *catalog.Store
	engine *taskengine.Engine
	mut    *Mutator
	libDir string
}

func newMutFixture(t *testing.T) *mutFixture {
	t.Helper()
	base := t.TempDir()
	libDir := filepath.Join(base, "library")
	require.NoError(t, os.MkdirAll(libDir, 0o755))

	store, err := catalog.Open(filepath.Join(base, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := taskengine.New(store, nil)
	t.Cleanup(engine.Shutdown)

	return &mutFixture{
		store:  store,
		engine: engine,
		mut:    NewMutator(store, nil),
		libDir: libDir,
	}
}

// addFile creates the archive on disk and its catalog row.
func (f *mutFixture) addFile(t *testing.T, name string) *catalog.File {
	t.Helper()
	path := filepath.Join(f.libDir, name)
	require.NoError(t, os.WriteFile(path, []byte("archive bytes"), 0o644))
	file := &catalog.File{FilePath: path, FileSize: 13, TotalPages: 1}
	require.NoError(t, f.store.CreateFile(file))
	return file
}

// run executes a runner through the engine and waits for the verdict.
func (f *mutFixture) run(t *testing.T, taskType string, body taskengine.Runner) *catalog.Task {
	t.Helper()
	task, err := f.engine.Submit(context.Background(),
		taskengine.Spec{Type: taskType, CancelPollInterval: 10 * time.Millisecond}, body)
	require.NoError(t, err)
	var done *catalog.Task
	require.Eventually(t, func() bool {
		done, err = f.store.TaskByID(task.ID)
		return err == nil && done.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return done
}

func TestBatchRenameByTemplate(t *testing.T) {
	f := newMutFixture(t)
	authorType := &catalog.TagType{Name: "author"}
	require.NoError(t, f.store.CreateTagType(authorType))
	alice := &catalog.Tag{Name: "alice", TypeID: &authorType.ID}
	require.NoError(t, f.store.CreateTag(alice))

	file := f.addFile(t, "[alice] story.cbz")
	require.NoError(t, f.store.AddFileTags([]int64{file.ID}, []int64{alice.ID}))

	done := f.run(t, "rename", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.BatchRename(ctx, h, []int64{file.ID}, "{author}/[{author}] {id}", f.libDir)
	})
	assert.Equal(t, catalog.TaskCompleted, done.Status)

	got, err := f.store.FileByID(file.ID)
	require.NoError(t, err)
	want := filepath.Join(f.libDir, "alice", "[alice] "+strconv.FormatInt(file.ID, 10)+".cbz")
	assert.Equal(t, want, got.FilePath)
	_, err = os.Stat(want)
	assert.NoError(t, err)
	// The bracket token re-synced the tag link.
	require.Len(t, got.Tags, 1)
	assert.Equal(t, "alice", got.Tags[0].Name)
}

func TestBatchRenameTalliesFailures(t *testing.T) {
	f := newMutFixture(t)
	good := f.addFile(t, "good.cbz")
	missing := &catalog.File{FilePath: filepath.Join(f.libDir, "ghost.cbz"), IsMissing: true}
	require.NoError(t, f.store.CreateFile(missing))

	done := f.run(t, "rename", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.BatchRename(ctx, h, []int64{good.ID, missing.ID}, "renamed-{id}", f.libDir)
	})
	assert.Equal(t, catalog.TaskFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "1 of 2")

	// The good file still went through.
	got, err := f.store.FileByID(good.ID)
	require.NoError(t, err)
	assert.Contains(t, got.FilePath, "renamed-")
}

func TestTagFileChangeRename(t *testing.T) {
	f := newMutFixture(t)
	old := &catalog.Tag{Name: "oldname"}
	require.NoError(t, f.store.CreateTag(old))
	file := f.addFile(t, "[OldName] tale.cbz")
	require.NoError(t, f.store.AddFileTags([]int64{file.ID}, []int64{old.ID}))

	done := f.run(t, "tag_change", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.TagFileChange(ctx, h, old.ID, "rename", "newname")
	})
	assert.Equal(t, catalog.TaskCompleted, done.Status)

	got, err := f.store.FileByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.libDir, "[newname] tale.cbz"), got.FilePath)
	_, err = os.Stat(got.FilePath)
	assert.NoError(t, err)

	// Tag renamed in place, old spelling kept as alias.
	renamed, err := f.store.TagByID(old.ID)
	require.NoError(t, err)
	assert.Equal(t, "newname", renamed.Name)
	viaAlias, err := f.store.TagByName("oldname")
	require.NoError(t, err)
	assert.Equal(t, old.ID, viaAlias.ID)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, old.ID, got.Tags[0].ID)
}

func TestTagFileChangeRenameMergesIntoExisting(t *testing.T) {
	f := newMutFixture(t)
	src := &catalog.Tag{Name: "src"}
	dst := &catalog.Tag{Name: "dst"}
	require.NoError(t, f.store.CreateTag(src))
	require.NoError(t, f.store.CreateTag(dst))
	file := f.addFile(t, "[src] tale.cbz")
	require.NoError(t, f.store.AddFileTags([]int64{file.ID}, []int64{src.ID}))

	done := f.run(t, "tag_change", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.TagFileChange(ctx, h, src.ID, "rename", "dst")
	})
	assert.Equal(t, catalog.TaskCompleted, done.Status)

	got, err := f.store.FileByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.libDir, "[dst] tale.cbz"), got.FilePath)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, dst.ID, got.Tags[0].ID)

	// src merged away, its name now an alias of dst.
	viaAlias, err := f.store.TagByName("src")
	require.NoError(t, err)
	assert.Equal(t, dst.ID, viaAlias.ID)
}

func TestTagFileChangeDelete(t *testing.T) {
	f := newMutFixture(t)
	tag := &catalog.Tag{Name: "gone"}
	require.NoError(t, f.store.CreateTag(tag))
	file := f.addFile(t, "[gone]  tale.cbz")
	require.NoError(t, f.store.AddFileTags([]int64{file.ID}, []int64{tag.ID}))

	done := f.run(t, "tag_change", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.TagFileChange(ctx, h, tag.ID, "delete", "")
	})
	assert.Equal(t, catalog.TaskCompleted, done.Status)

	got, err := f.store.FileByID(file.ID)
	require.NoError(t, err)
	// Token stripped, whitespace collapsed.
	assert.Equal(t, filepath.Join(f.libDir, "tale.cbz"), got.FilePath)
	assert.Empty(t, got.Tags)

	_, err = f.store.TagByID(tag.ID)
	assert.Error(t, err)
}

func TestTagSplit(t *testing.T) {
	f := newMutFixture(t)
	source := &catalog.Tag{Name: "duo"}
	require.NoError(t, f.store.CreateTag(source))
	file := f.addFile(t, "[duo] tale.cbz")
	require.NoError(t, f.store.AddFileTags([]int64{file.ID}, []int64{source.ID}))

	done := f.run(t, "tag_split", func(ctx context.Context, h *taskengine.Handle) error {
		return f.mut.TagSplit(ctx, h, source.ID, []string{"alice", "bob", " alice "})
	})
	assert.Equal(t, catalog.TaskCompleted, done.Status)

	got, err := f.store.FileByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.libDir, "tale[alice][bob].cbz"), got.FilePath)
	_, err = os.Stat(got.FilePath)
	assert.NoError(t, err)

	var names []string
	for _, tag := range got.Tags {
		names = append(names, tag.Name)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)

	_, err = f.store.TagByID(source.ID)
	assert.Error(t, err)
}
