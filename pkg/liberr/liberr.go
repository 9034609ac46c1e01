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

// Package liberr defines the error kinds shared by the library core.
// Each kind maps to one canonical HTTP status in pkg/httputil.
package liberr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing file, tag, task, cover or page.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest reports malformed or out-of-range input.
	ErrBadRequest = errors.New("bad request")

	// ErrConflict reports a uniqueness or liveness violation, such as a
	// duplicate library path or an already-active scan.
	ErrConflict = errors.New("conflict")

	// ErrUnsupported reports an archive extension outside the supported set.
	ErrUnsupported = errors.New("unsupported archive format")

	// ErrArchiveCorrupt reports an unreadable archive directory.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrTargetExists reports a rename whose destination is already present.
	ErrTargetExists = errors.New("target already exists")

	// ErrCancelled is returned by task bodies that observed a cancel request.
	ErrCancelled = errors.New("cancelled")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return wrapf(ErrNotFound, format, args...)
}

// BadRequestf wraps ErrBadRequest with a formatted message.
func BadRequestf(format string, args ...interface{}) error {
	return wrapf(ErrBadRequest, format, args...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return wrapf(ErrConflict, format, args...)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
