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

// Reading status values for a file.
const (
	StatusUnread     = "unread"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
)

// Integrity check results for a file.
const (
	IntegrityUnknown   = "unknown"
	IntegrityOK        = "ok"
	IntegrityCorrupted = "corrupted"
)

// Task lifecycle states. Terminal states are sticky.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// ValidReadingStatus reports whether s is a known reading status.
func ValidReadingStatus(s string) bool {
	switch s {
	case StatusUnread, StatusInProgress, StatusFinished:
		return true
	}
	return false
}

// File is one archive row in the catalog.
type File struct {
	ID              int64  `json:"id"`
	LibraryPathID   int64  `json:"library_path_id"`
	FilePath        string `json:"file_path"`
	FileSize        int64  `json:"file_size"`
	FileMtime       int64  `json:"file_mtime"`
	TotalPages      int    `json:"total_pages"`
	ContentSHA256   string `json:"content_sha256,omitempty"`
	AddDate         int64  `json:"add_date"`
	LastReadPage    int    `json:"last_read_page"`
	LastReadDate    *int64 `json:"last_read_date,omitempty"`
	ReadingStatus   string `json:"reading_status"`
	IsMissing       bool   `json:"is_missing"`
	IntegrityStatus string `json:"integrity_status"`
	CoverUpdatedAt  int64  `json:"cover_updated_at"`
	IsLiked         bool   `json:"is_liked"`
	Tags            []Tag  `json:"tags,omitempty"`
}

// LibraryRoot is a registered library directory.
type LibraryRoot struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// TagType groups tags (author, series, year, custom kinds).
type TagType struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

// Tag is one metadata label, optionally typed and parented.
type Tag struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	TypeID      *int64 `json:"type_id,omitempty"`
	TypeName    string `json:"type_name,omitempty"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	IsFavorite  bool   `json:"is_favorite"`
	FileCount   int64  `json:"file_count,omitempty"`
}

// TagAlias maps an alternate spelling to a canonical tag.
type TagAlias struct {
	ID        int64  `json:"id"`
	TagID     int64  `json:"tag_id"`
	AliasName string `json:"alias_name"`
}

// Bookmark marks one page of one file.
type Bookmark struct {
	ID         int64  `json:"id"`
	FileID     int64  `json:"file_id"`
	PageNumber int    `json:"page_number"`
	Note       string `json:"note,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Task is one persisted background job.
type Task struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"task_type"`
	WorkerID       string  `json:"worker_id,omitempty"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	CurrentTarget  string  `json:"current_target,omitempty"`
	TargetPath     string  `json:"target_path,omitempty"`
	LibraryPathID  *int64  `json:"library_path_id,omitempty"`
	TotalItems     int64   `json:"total_items"`
	ProcessedItems int64   `json:"processed_items"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	StartedAt      *int64  `json:"started_at,omitempty"`
	FinishedAt     *int64  `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the task reached a sticky final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}
