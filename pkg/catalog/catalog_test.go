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

package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addFile(t *testing.T, s *Store, rootID int64, path string, pages int, size int64) *File {
	t.Helper()
	f := &File{
		LibraryPathID: rootID,
		FilePath:      path,
		FileSize:      size,
		FileMtime:     time.Now().Unix(),
		TotalPages:    pages,
	}
	require.NoError(t, s.CreateFile(f))
	return f
}

func TestFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	root, err := s.AddRoot("/library")
	require.NoError(t, err)

	f := addFile(t, s, root.ID, "/library/one.cbz", 42, 1000)
	require.NotZero(t, f.ID)

	got, err := s.FileByID(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "/library/one.cbz", got.FilePath)
	assert.Equal(t, 42, got.TotalPages)
	assert.Equal(t, StatusUnread, got.ReadingStatus)
	assert.Equal(t, IntegrityUnknown, got.IntegrityStatus)
	assert.False(t, got.IsLiked)

	byPath, err := s.FileByPath("/library/one.cbz")
	require.NoError(t, err)
	assert.Equal(t, f.ID, byPath.ID)

	_, err = s.FileByID(9999)
	assert.True(t, errors.Is(err, liberr.ErrNotFound))
}

func TestDuplicateRootConflicts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddRoot("/library")
	require.NoError(t, err)
	_, err = s.AddRoot("/library")
	assert.True(t, errors.Is(err, liberr.ErrConflict))
}

func TestReadingStateAndLikes(t *testing.T) {
	s := newTestStore(t)
	f := addFile(t, s, 0, "/library/a.cbz", 10, 1)

	require.NoError(t, s.UpdateReadingState(f.ID, StatusInProgress, 4))
	require.NoError(t, s.SetLiked(f.ID, true))

	got, err := s.FileByID(f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.ReadingStatus)
	assert.Equal(t, 4, got.LastReadPage)
	assert.NotNil(t, got.LastReadDate)
	assert.True(t, got.IsLiked)

	// Liking twice is a no-op, unliking clears it.
	require.NoError(t, s.SetLiked(f.ID, true))
	require.NoError(t, s.SetLiked(f.ID, false))
	got, err = s.FileByID(f.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLiked)
}

func TestMissingFlagsAndAdoption(t *testing.T) {
	s := newTestStore(t)
	f := addFile(t, s, 0, "/library/a.cbz", 10, 1)
	f.ContentSHA256 = "abc123"
	require.NoError(t, s.UpdateFileScan(f))

	require.NoError(t, s.MarkMissingByPaths([]string{"/library/a.cbz"}))
	cands, err := s.MissingByHash("abc123")
	require.NoError(t, err)
	require.Len(t, cands, 1)

	require.NoError(t, s.AdoptFile(cands[0].ID, "/library/moved/a.cbz", 2, 3, 11))
	got, err := s.FileByID(f.ID)
	require.NoError(t, err)
	assert.False(t, got.IsMissing)
	assert.Equal(t, "/library/moved/a.cbz", got.FilePath)
	assert.Equal(t, 11, got.TotalPages)
}

func TestListFilesFilters(t *testing.T) {
	s := newTestStore(t)
	root, err := s.AddRoot("/library")
	require.NoError(t, err)

	a := addFile(t, s, root.ID, "/library/[alice] one.cbz", 10, 100)
	b := addFile(t, s, root.ID, "/library/[bob] two.cbz", 20, 200)
	c := addFile(t, s, root.ID, "/library/[alice] three.cbz", 30, 300)
	require.NoError(t, s.SetLiked(b.ID, true))
	require.NoError(t, s.UpdateReadingState(c.ID, StatusFinished, 29))
	require.NoError(t, s.MarkMissingByPaths([]string{a.FilePath}))

	// Missing files are hidden unless asked for.
	files, total, err := s.ListFiles(ListQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	miss := true
	files, total, err = s.ListFiles(ListQuery{IsMissing: &miss})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, a.ID, files[0].ID)

	// Keyword tokens AND together over the path.
	files, _, err = s.ListFiles(ListQuery{Keyword: "alice three", IncludeMissing: true})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, c.ID, files[0].ID)

	liked := true
	files, _, err = s.ListFiles(ListQuery{Liked: &liked})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, b.ID, files[0].ID)

	minPages := 15
	files, total, err = s.ListFiles(ListQuery{MinPages: &minPages})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	files, _, err = s.ListFiles(ListQuery{Statuses: []string{StatusFinished}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, c.ID, files[0].ID)

	_, _, err = s.ListFiles(ListQuery{Statuses: []string{"bogus"}})
	assert.True(t, errors.Is(err, liberr.ErrBadRequest))

	// Sorting by size ascending.
	files, _, err = s.ListFiles(ListQuery{SortBy: "file_size", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, b.ID, files[0].ID)
	assert.Equal(t, c.ID, files[1].ID)
}

func TestTagFiltering(t *testing.T) {
	s := newTestStore(t)
	a := addFile(t, s, 0, "/l/a.cbz", 1, 1)
	b := addFile(t, s, 0, "/l/b.cbz", 1, 1)

	t1 := &Tag{Name: "alice"}
	t2 := &Tag{Name: "fantasy"}
	require.NoError(t, s.CreateTag(t1))
	require.NoError(t, s.CreateTag(t2))
	require.NoError(t, s.AddFileTags([]int64{a.ID}, []int64{t1.ID, t2.ID}))
	require.NoError(t, s.AddFileTags([]int64{b.ID}, []int64{t2.ID}))

	files, _, err := s.ListFiles(ListQuery{TagIDs: []int64{t1.ID, t2.ID}, TagMode: "all"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, a.ID, files[0].ID)
	require.Len(t, files[0].Tags, 2)

	files, _, err = s.ListFiles(ListQuery{TagIDs: []int64{t1.ID, t2.ID}, TagMode: "any"})
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, _, err = s.ListFiles(ListQuery{ExcludeTagIDs: []int64{t1.ID}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, b.ID, files[0].ID)
}

func TestTagUniquenessAcrossAliases(t *testing.T) {
	s := newTestStore(t)
	tag := &Tag{Name: "Alice"}
	require.NoError(t, s.CreateTag(tag))

	err := s.CreateTag(&Tag{Name: "alice"})
	assert.True(t, errors.Is(err, liberr.ErrConflict))

	require.NoError(t, s.CreateAlias(&TagAlias{TagID: tag.ID, AliasName: "ありす"}))
	err = s.CreateTag(&Tag{Name: "ありす"})
	assert.True(t, errors.Is(err, liberr.ErrConflict))

	// Alias resolution finds the canonical tag.
	got, err := s.TagByName("ありす")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)
}

func TestTagCycleRefused(t *testing.T) {
	s := newTestStore(t)
	parent := &Tag{Name: "parent"}
	require.NoError(t, s.CreateTag(parent))
	child := &Tag{Name: "child", ParentID: &parent.ID}
	require.NoError(t, s.CreateTag(child))

	parent.ParentID = &child.ID
	err := s.UpdateTag(parent)
	assert.True(t, errors.Is(err, liberr.ErrBadRequest))
}

func TestMergeTags(t *testing.T) {
	s := newTestStore(t)
	a := addFile(t, s, 0, "/l/a.cbz", 1, 1)
	src := &Tag{Name: "srcname"}
	dst := &Tag{Name: "dstname"}
	require.NoError(t, s.CreateTag(src))
	require.NoError(t, s.CreateTag(dst))
	require.NoError(t, s.AddFileTags([]int64{a.ID}, []int64{src.ID}))

	require.NoError(t, s.MergeTags(src.ID, dst.ID))

	ids, err := s.FileIDsWithTag(dst.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)

	// The source name survives as an alias of the target.
	got, err := s.TagByName("srcname")
	require.NoError(t, err)
	assert.Equal(t, dst.ID, got.ID)

	_, err = s.TagByID(src.ID)
	assert.True(t, errors.Is(err, liberr.ErrNotFound))
}

func TestDescendantTagIDs(t *testing.T) {
	s := newTestStore(t)
	root := &Tag{Name: "root"}
	require.NoError(t, s.CreateTag(root))
	mid := &Tag{Name: "mid", ParentID: &root.ID}
	require.NoError(t, s.CreateTag(mid))
	leaf := &Tag{Name: "leaf", ParentID: &mid.ID}
	require.NoError(t, s.CreateTag(leaf))

	ids, err := s.DescendantTagIDs([]int64{root.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{root.ID, mid.ID, leaf.ID}, ids)
}

func TestTagTypeDeleteRefusedWhileReferenced(t *testing.T) {
	s := newTestStore(t)
	tt := &TagType{Name: "author"}
	require.NoError(t, s.CreateTagType(tt))
	require.NoError(t, s.CreateTag(&Tag{Name: "alice", TypeID: &tt.ID}))

	err := s.DeleteTagType(tt.ID)
	assert.True(t, errors.Is(err, liberr.ErrConflict))
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	task := &Task{Name: "scan /library", Type: "scan"}
	require.NoError(t, s.CreateTask(task))
	assert.Equal(t, TaskPending, task.Status)

	require.NoError(t, s.MarkTaskRunning(task.ID))
	require.NoError(t, s.UpdateTaskProgress(task.ID, 5, 10, "/library/a.cbz", ""))

	got, err := s.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, got.Status)
	assert.InDelta(t, 50.0, got.Progress, 0.01)

	require.NoError(t, s.FinishTask(task.ID, TaskCompleted, ""))
	got, err = s.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.InDelta(t, 100.0, got.Progress, 0.01)
	require.NotNil(t, got.FinishedAt)

	// Terminal states are sticky.
	require.NoError(t, s.FinishTask(task.ID, TaskFailed, "late error"))
	got, err = s.TaskByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)

	err = s.RequestTaskCancel(task.ID)
	assert.True(t, errors.Is(err, liberr.ErrConflict))
}

func TestTaskCancelObservedByPoll(t *testing.T) {
	s := newTestStore(t)
	task := &Task{Type: "scan"}
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.MarkTaskRunning(task.ID))

	cancelled, err := s.TaskCancelled(task.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, s.RequestTaskCancel(task.ID))
	cancelled, err = s.TaskCancelled(task.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Progress writes after cancellation are dropped.
	require.NoError(t, s.UpdateTaskProgress(task.ID, 9, 10, "x", ""))
	got, err := s.TaskByID(task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.ProcessedItems)
}

func TestActiveTaskForTarget(t *testing.T) {
	s := newTestStore(t)
	rootID := int64(7)
	task := &Task{Type: "scan", LibraryPathID: &rootID}
	require.NoError(t, s.CreateTask(task))

	id, err := s.ActiveTaskForTarget("scan", 7)
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)

	// Global check sees any active scan.
	id, err = s.ActiveTaskForTarget("scan", 0)
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)

	id, err = s.ActiveTaskForTarget("scan", 8)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.FinishTask(task.ID, TaskCompleted, ""))
	id, err = s.ActiveTaskForTarget("scan", 7)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestTaskHistoryTrim(t *testing.T) {
	s := newTestStore(t)
	task := &Task{Type: "scan"}
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.FinishTask(task.ID, TaskCompleted, ""))

	// Zero retention removes everything terminal.
	n, err := s.DeleteTerminalTasksBefore(-time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTaskHistoryTrimRunsFromFinishTime(t *testing.T) {
	s := newTestStore(t)
	task := &Task{Type: "scan"}
	require.NoError(t, s.CreateTask(task))
	require.NoError(t, s.FinishTask(task.ID, TaskCompleted, ""))

	// Created days ago but finished just now: the retention clock
	// runs from the finish, so the row survives a one-day window.
	old := time.Now().Add(-72 * time.Hour).Unix()
	_, err := s.db.Exec(`UPDATE tasks SET created_at = ? WHERE id = ?`, old, task.ID)
	require.NoError(t, err)

	n, err := s.DeleteTerminalTasksBefore(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteTerminalTasksBefore(-time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBookmarkDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	f := addFile(t, s, 0, "/l/a.cbz", 10, 1)
	require.NoError(t, s.AddBookmark(&Bookmark{FileID: f.ID, PageNumber: 3}))
	err := s.AddBookmark(&Bookmark{FileID: f.ID, PageNumber: 3})
	assert.True(t, errors.Is(err, liberr.ErrConflict))
}

func TestConfigOverrides(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetConfig("scan.max_workers")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConfig("scan.max_workers", "4"))
	v, ok, err := s.GetConfig("scan.max_workers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", v)

	require.NoError(t, s.SetConfig("scan.max_workers", "8"))
	v, _, _ = s.GetConfig("scan.max_workers")
	assert.Equal(t, "8", v)

	require.NoError(t, s.DeleteConfig("scan.max_workers"))
	_, ok, _ = s.GetConfig("scan.max_workers")
	assert.False(t, ok)
}

func TestDuplicateReport(t *testing.T) {
	s := newTestStore(t)
	for _, p := range []string{"/l/a.cbz", "/l/b.cbz"} {
		f := addFile(t, s, 0, p, 1, 1)
		f.ContentSHA256 = "samehash"
		require.NoError(t, s.UpdateFileScan(f))
	}
	f := addFile(t, s, 0, "/l/c.cbz", 1, 1)
	f.ContentSHA256 = "unique"
	require.NoError(t, s.UpdateFileScan(f))

	groups, err := s.DuplicateFiles()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "samehash", groups[0].SHA256)
	assert.Len(t, groups[0].Files, 2)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	root, err := s.AddRoot("/library")
	require.NoError(t, err)
	a := addFile(t, s, root.ID, "/library/a.cbz", 10, 100)
	addFile(t, s, root.ID, "/library/b.cbz", 20, 200)
	require.NoError(t, s.SetLiked(a.ID, true))
	require.NoError(t, s.MarkMissingByPaths([]string{"/library/b.cbz"}))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalFiles)
	assert.EqualValues(t, 1, st.MissingFiles)
	assert.EqualValues(t, 100, st.TotalSize)
	assert.EqualValues(t, 10, st.TotalPages)
	assert.EqualValues(t, 1, st.LikedFiles)
	assert.EqualValues(t, 1, st.LibraryRoots)
	assert.EqualValues(t, 1, st.ByStatus[StatusUnread])
}
