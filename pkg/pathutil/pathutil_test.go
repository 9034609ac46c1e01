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

package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripWrappingQuotes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"/tmp/manga"`, "/tmp/manga"},
		{`'/tmp/manga'`, "/tmp/manga"},
		{`/tmp/manga`, "/tmp/manga"},
		{`"unbalanced`, `"unbalanced`},
		{`""`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripWrappingQuotes(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeFileCollapsesDots(t *testing.T) {
	got := NormalizeFile("/a/b/../c/./d.zip")
	assert.Equal(t, filepath.Join("/a", "c", "d.zip"), got)
}

func TestNormalizationIsStable(t *testing.T) {
	// Normalizing twice must not change the result, or re-normalizing a
	// stored root could create catalog duplicates.
	p := NormalizeRoot(" '/data/library/' ")
	assert.Equal(t, p, NormalizeRoot(p))
	f := NormalizeFile("/data/library/x [a].zip")
	assert.Equal(t, f, NormalizeFile(f))
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/library/sub/a.zip", "/library"))
	assert.True(t, Within("/library", "/library"))
	assert.False(t, Within("/library-two/a.zip", "/library"))
	assert.False(t, Within("/library/../outside/a.zip", "/library"))
}
