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

// Package archive presents ZIP/CBZ, RAR/CBR and 7z/CB7 files as ordered
// sequences of image pages and streams single pages on demand.
//
// Directory indexes are cached in a bounded LRU keyed by the file's
// (path, mtime, size) signature, so in-place edits invalidate naturally
// and high-frequency page turns never re-read the central directory.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mholt/archives"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/lru"
)

// Chunk size bounds for Stream, in bytes.
const (
	MinChunkSize     = 64 << 10
	MaxChunkSize     = 4 << 20
	DefaultChunkSize = 512 << 10
)

const (
	indexCacheEntries = 256
	sizeCacheEntries  = 1024
)

// supportedExts is the archive extension set shared by the scanner and
// the reader, so both always agree on what a manga file is.
var supportedExts = map[string]bool{
	".zip": true, ".cbz": true,
	".rar": true, ".cbr": true,
	".7z": true, ".cb7": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// Entry is one image page inside an archive. Size is -1 when the
// archive's directory did not record an uncompressed size.
type Entry struct {
	Name string
	Size int64
}

// IsSupported reports whether path has a supported archive extension.
func IsSupported(path string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(path))]
}

// GuessMIME guesses an image MIME type from an entry name.
// The default is image/jpeg.
func GuessMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return "image/jpeg"
}

// Reader gives random access to pages of any supported archive.
// It is safe for concurrent use; one Reader is shared process-wide.
type Reader struct {
	index *lru.Cache[[]Entry] // signature key -> sorted entries
	sizes *lru.Cache[int64]   // signature key + entry -> decoded size
	sf    singleflight.Group
}

// NewReader returns a Reader with bounded index and size caches.
func NewReader() *Reader {
	return &Reader{
		index: lru.New[[]Entry](indexCacheEntries),
		sizes: lru.New[int64](sizeCacheEntries),
	}
}

// Entries returns the natural-sorted image entries of the archive at
// path. Results are cached per file signature.
func (r *Reader) Entries(ctx context.Context, path string) ([]Entry, error) {
	key, err := signatureKey(path)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.index.Get(key); ok {
		return cached, nil
	}
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		entries, err := listEntries(ctx, path)
		if err != nil {
			return nil, err
		}
		r.index.Add(key, entries)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

// EntryAt returns the page at index, or ok=false when out of range.
func (r *Reader) EntryAt(ctx context.Context, path string, index int) (Entry, bool, error) {
	entries, err := r.Entries(ctx, path)
	if err != nil {
		return Entry{}, false, err
	}
	if index < 0 || index >= len(entries) {
		return Entry{}, false, nil
	}
	return entries[index], true, nil
}

// EntrySize returns the uncompressed size of entry. When the archive
// index recorded it, that value is returned directly; otherwise the
// entry is decoded once and the measured size cached.
func (r *Reader) EntrySize(ctx context.Context, path string, entry Entry) (int64, error) {
	if entry.Size >= 0 {
		return entry.Size, nil
	}
	sig, err := signatureKey(path)
	if err != nil {
		return 0, err
	}
	key := sig + "\x00" + entry.Name
	if n, ok := r.sizes.Get(key); ok {
		return n, nil
	}
	var n int64
	err = r.Stream(ctx, path, entry, DefaultChunkSize, func(p []byte) error {
		n += int64(len(p))
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.sizes.Add(key, n)
	return n, nil
}

// Stream decodes the single entry and hands its bytes to fn in chunks
// of at most chunkSize bytes (clamped to [MinChunkSize, MaxChunkSize]).
// Other entries are never decoded. For 7z the underlying decoder may
// buffer ahead; callers must not assume constant memory there.
func (r *Reader) Stream(ctx context.Context, path string, entry Entry, chunkSize int, fn func(p []byte) error) error {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	found := false
	var entryErr error
	err := walkArchive(ctx, path, func(ctx context.Context, fi archives.FileInfo) error {
		if fi.NameInArchive != entry.Name {
			return nil
		}
		found = true
		entryErr = streamEntry(ctx, fi, chunkSize, fn)
		return errStopWalk
	})
	if err != nil {
		return err
	}
	if !found {
		return liberr.NotFoundf("entry %q in %s", entry.Name, filepath.Base(path))
	}
	return entryErr
}

// ReadEntry decodes the whole entry into memory. Used for cover and
// downscale rendering, where the image is decoded anyway.
func (r *Reader) ReadEntry(ctx context.Context, path string, entry Entry) ([]byte, error) {
	var buf []byte
	if entry.Size > 0 {
		buf = make([]byte, 0, entry.Size)
	}
	err := r.Stream(ctx, path, entry, DefaultChunkSize, func(p []byte) error {
		buf = append(buf, p...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// errStopWalk aborts extraction early once the wanted entry was
// handled. It never escapes this package.
var errStopWalk = fmt.Errorf("archive: stop walk")

// streamEntry decodes one entry and forwards its bytes to fn. Errors
// here are per-entry read failures, kept distinct from a corrupt
// archive directory.
func streamEntry(ctx context.Context, fi archives.FileInfo, chunkSize int, fn func(p []byte) error) error {
	f, err := fi.Open()
	if err != nil {
		return errors.Wrapf(err, "open entry %q", fi.NameInArchive)
	}
	defer f.Close()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if cbErr := fn(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read entry %q", fi.NameInArchive)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func listEntries(ctx context.Context, path string) ([]Entry, error) {
	var entries []Entry
	err := walkArchive(ctx, path, func(ctx context.Context, fi archives.FileInfo) error {
		if fi.IsDir() || !keepEntry(fi.NameInArchive) {
			return nil
		}
		size := fi.Size()
		if size <= 0 {
			size = -1
		}
		entries = append(entries, Entry{Name: fi.NameInArchive, Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return naturalLess(entries[i].Name, entries[j].Name)
	})
	return entries, nil
}

// keepEntry filters out non-image payload and macOS resource forks.
func keepEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX") {
		return false
	}
	if strings.HasPrefix(filepath.Base(name), "._") {
		return false
	}
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

func walkArchive(ctx context.Context, path string, fn archives.FileHandler) error {
	format, err := formatFor(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return liberr.NotFoundf("archive %s", path)
		}
		return errors.Wrap(err, "open archive")
	}
	defer f.Close()
	if err := format.Extract(ctx, f, fn); err != nil && !errors.Is(err, errStopWalk) && !errors.Is(err, fs.SkipAll) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(liberr.ErrArchiveCorrupt, "%s: %v", filepath.Base(path), err)
	}
	return nil
}

func formatFor(path string) (archives.Extraction, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return archives.Zip{}, nil
	case ".rar", ".cbr":
		return archives.Rar{}, nil
	case ".7z", ".cb7":
		return archives.SevenZip{}, nil
	}
	return nil, errors.Wrapf(liberr.ErrUnsupported, "%s", filepath.Ext(path))
}

func signatureKey(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", liberr.NotFoundf("archive %s", path)
		}
		return "", errors.Wrap(err, "stat archive")
	}
	return fmt.Sprintf("%s|%d|%d", path, st.ModTime().Unix(), st.Size()), nil
}
