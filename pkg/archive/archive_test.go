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

package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// writeZip creates a cbz fixture with the given name->content pairs.
func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestEntriesNaturalOrderAndFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol1.cbz")
	writeZip(t, path, map[string][]byte{
		"10.jpg":             []byte("ten"),
		"2.jpg":              []byte("two"),
		"1.jpg":              []byte("one"),
		"notes.txt":          []byte("skip me"),
		"__MACOSX/1.jpg":     []byte("resource fork"),
		"sub/._2.jpg":        []byte("apple double"),
		"sub/extra/100.webp": []byte("hundred"),
	})

	r := NewReader()
	entries, err := r.Entries(context.Background(), path)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"1.jpg", "2.jpg", "10.jpg", "sub/extra/100.webp"}, names)
}

func TestNaturalLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.jpg", "2.jpg", true},
		{"2.jpg", "10.jpg", true},
		{"10.jpg", "2.jpg", false},
		{"page002.png", "page10.png", true},
		{"A1.jpg", "a2.jpg", true},
		{"cover.jpg", "cover.jpg", false},
		{"x.jpg", "x1.jpg", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, naturalLess(tt.a, tt.b), "%q < %q", tt.a, tt.b)
	}
}

func TestEntryAtBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, map[string][]byte{"1.jpg": []byte("x")})

	r := NewReader()
	e, ok, err := r.EntryAt(context.Background(), path, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.jpg", e.Name)

	_, ok, err = r.EntryAt(context.Background(), path, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.EntryAt(context.Background(), path, -1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	payload := bytes.Repeat([]byte("manga"), 40<<10) // 200 KiB
	writeZip(t, path, map[string][]byte{"1.jpg": payload})

	r := NewReader()
	e, ok, err := r.EntryAt(context.Background(), path, 0)
	require.NoError(t, err)
	require.True(t, ok)

	var got []byte
	err = r.Stream(context.Background(), path, e, MinChunkSize, func(p []byte) error {
		assert.LessOrEqual(t, len(p), MinChunkSize)
		got = append(got, p...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEntrySizeFromIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, map[string][]byte{"1.jpg": []byte("123456")})

	r := NewReader()
	e, ok, err := r.EntryAt(context.Background(), path, 0)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := r.EntrySize(context.Background(), path, e)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	// Unknown index size falls back to a counted decode.
	n, err = r.EntrySize(context.Background(), path, Entry{Name: "1.jpg", Size: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestIndexCacheInvalidatedOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, map[string][]byte{"1.jpg": []byte("x")})

	r := NewReader()
	entries, err := r.Entries(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	writeZip(t, path, map[string][]byte{"1.jpg": []byte("x"), "2.jpg": []byte("y")})
	// Force a different signature even on coarse filesystem clocks.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	entries, err = r.Entries(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestErrorKinds(t *testing.T) {
	dir := t.TempDir()
	r := NewReader()

	_, err := r.Entries(context.Background(), filepath.Join(dir, "gone.zip"))
	assert.True(t, errors.Is(err, liberr.ErrNotFound), "missing file: %v", err)

	bad := filepath.Join(dir, "bad.tar")
	require.NoError(t, os.WriteFile(bad, []byte("not an archive"), 0o644))
	_, err = r.Entries(context.Background(), bad)
	assert.True(t, errors.Is(err, liberr.ErrUnsupported), "unsupported ext: %v", err)

	corrupt := filepath.Join(dir, "corrupt.zip")
	require.NoError(t, os.WriteFile(corrupt, []byte("PK\x03\x04 nope"), 0o644))
	_, err = r.Entries(context.Background(), corrupt)
	assert.True(t, errors.Is(err, liberr.ErrArchiveCorrupt), "corrupt zip: %v", err)
}

func TestGuessMIME(t *testing.T) {
	assert.Equal(t, "image/jpeg", GuessMIME("001.jpg"))
	assert.Equal(t, "image/jpeg", GuessMIME("001.JPEG"))
	assert.Equal(t, "image/png", GuessMIME("a.png"))
	assert.Equal(t, "image/gif", GuessMIME("a.gif"))
	assert.Equal(t, "image/webp", GuessMIME("a.webp"))
	assert.Equal(t, "image/jpeg", GuessMIME("weird.bin"))
}

func TestIsSupported(t *testing.T) {
	for _, p := range []string{"a.zip", "a.CBZ", "a.rar", "a.cbr", "a.7z", "a.cb7"} {
		assert.True(t, IsSupported(p), p)
	}
	assert.False(t, IsSupported("a.tar.gz"))
	assert.False(t, IsSupported("a.epub"))
}
