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
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

func TestFileRename(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a.cbz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))

	// Destination directories are created on demand.
	dst := filepath.Join(dir, "sub", "deep", "b.cbz")
	require.NoError(t, File(old, dst))
	_, err := os.Stat(dst)
	require.NoError(t, err)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	// Renaming onto itself is a no-op.
	require.NoError(t, File(dst, dst))
}

func TestFileRenameTargetExists(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a.cbz")
	taken := filepath.Join(dir, "b.cbz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(taken, []byte("y"), 0o644))

	err := File(old, taken)
	assert.True(t, errors.Is(err, liberr.ErrTargetExists))
	// Neither side was touched.
	b, _ := os.ReadFile(taken)
	assert.Equal(t, "y", string(b))
	_, err = os.Stat(old)
	assert.NoError(t, err)
}

func TestIntermediatePathAvoidsCollisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.cbz")

	first := intermediatePath(path)
	assert.Equal(t, filepath.Join(dir, "vol.__tmp_rename__.cbz"), first)

	require.NoError(t, os.WriteFile(first, nil, 0o644))
	second := intermediatePath(path)
	assert.Equal(t, filepath.Join(dir, "vol.__tmp_rename___1.cbz"), second)
}

func TestSanitizeBasename(t *testing.T) {
	tests := []struct{ in, want string }{
		{`a:b*c.cbz`, "a_b_c.cbz"},
		{`what?.cb?z`, "what_.cb_z"},
		{"plain.zip", "plain.zip"},
		{`<x>|"y"`, `_x___y_`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeBasename(tt.in), "input %q", tt.in)
	}
}

func TestReplaceFold(t *testing.T) {
	assert.Equal(t, "x  y", replaceFold("x [Alice] y", "[alice]", ""))
	assert.Equal(t, "[bob] story", replaceFold("[ALICE] story", "[alice]", "[bob]"))
	assert.Equal(t, "untouched", replaceFold("untouched", "[alice]", ""))
	assert.Equal(t, "...", replaceFold(".[A].[a].", "[a]", ""))

	// Folded forms with a different byte length still line up: the
	// Kelvin sign is three bytes, its fold 'k' is one.
	assert.Equal(t, "[lord] tale", replaceFold("[\u212Aelvin] tale", "[kelvin]", "[lord]"))
	assert.Equal(t, " wars", replaceFold("[\u017Ftar] wars", "[star]", ""))
	assert.Equal(t, "tail [\u212A]", replaceFold("tail [\u212A]", "[q]", "x"))
}

func TestTemplatePath(t *testing.T) {
	root := t.TempDir()
	authorType := int64(1)
	f := &catalog.File{
		ID:       7,
		FilePath: filepath.Join(root, "[alice] old name.cbz"),
		Tags: []catalog.Tag{
			{Name: "alice", TypeName: "Author", TypeID: &authorType},
			{Name: "2021", TypeName: "year"},
			{Name: "scanlated", TypeName: "source"},
		},
	}

	got, err := TemplatePath(f, "{author}/{year} - {title}", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alice", "2021 - [alice] old name.cbz"), got)

	// Custom tag types go through {custom_tag:<type>}.
	got, err = TemplatePath(f, "{custom_tag:source}/{id}", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "scanlated", "7.cbz"), got)

	// Unresolved placeholders are stripped, not kept literally.
	got, err = TemplatePath(f, "{series}{title}", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "[alice] old name.cbz"), got)

	// A template resolving to nothing fails.
	_, err = TemplatePath(f, "{series}", root)
	assert.True(t, errors.Is(err, liberr.ErrBadRequest))

	// Traversal segments are dropped, keeping the result inside root.
	got, err = TemplatePath(f, "../../{title}", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "[alice] old name.cbz"), got)
}
