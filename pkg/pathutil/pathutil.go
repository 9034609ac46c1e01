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

// Package pathutil canonicalizes library roots and file paths.
//
// All paths entering the catalog go through NormalizeRoot or
// NormalizeFile, so a file is never persisted under two spellings. On
// Windows, roots on mapped network drives are additionally resolved to
// their UNC form, because drive letters are per-logon and background
// workers may not see them.
package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// caseInsensitiveFS reports whether path comparisons on this platform
// ignore case. HFS+/APFS default to case-insensitive too.
var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// NormalizeRoot canonicalizes a library root directory. On Windows a
// mapped drive letter is resolved to its UNC form when possible; a
// failed lookup falls back to the normalized local form.
func NormalizeRoot(raw string) string {
	p := normalizeBasic(raw)
	if unc, ok := resolveUNC(p); ok {
		p = unc
	}
	return fold(p)
}

// NormalizeFile canonicalizes a file path. It never performs the
// drive-to-UNC resolution: if the owning root was UNC-resolved, paths
// walked under it are UNC already, and resolving per file would hit the
// OS API once per archive.
func NormalizeFile(raw string) string {
	return fold(normalizeBasic(raw))
}

// Equal reports whether two already-normalized paths identify the same
// file on this platform.
func Equal(a, b string) bool {
	return fold(a) == fold(b)
}

// Within reports whether path is root or lies strictly inside root.
// Both arguments may be unnormalized.
func Within(path, root string) bool {
	p := fold(normalizeBasic(path))
	r := fold(normalizeBasic(root))
	if p == r {
		return true
	}
	return strings.HasPrefix(p, strings.TrimRight(r, string(filepath.Separator))+string(filepath.Separator))
}

func normalizeBasic(raw string) string {
	p := stripWrappingQuotes(strings.TrimSpace(raw))
	p = expandHome(os.ExpandEnv(p))
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// stripWrappingQuotes drops a matching pair of quotes users tend to
// paste around paths copied from a shell or file manager.
func stripWrappingQuotes(p string) string {
	if len(p) >= 2 && p[0] == p[len(p)-1] && (p[0] == '"' || p[0] == '\'') {
		return strings.TrimSpace(p[1 : len(p)-1])
	}
	return p
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~"+string(filepath.Separator)) && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

func fold(p string) string {
	if caseInsensitiveFS {
		return strings.ToLower(p)
	}
	return p
}
