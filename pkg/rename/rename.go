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

// Package rename holds the disk-rename primitive shared by the batch
// rename and tag mutation tasks, plus filename sanitization and the
// rename template engine.
package rename

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
	"github.com/CaoBiang/Manga-ULM/pkg/pathutil"
)

// forbiddenChars get replaced by underscores in filenames.
const forbiddenChars = `\/:*?"<>|`

// File renames old to new on disk. Case-only renames on
// case-insensitive filesystems go through a unique intermediate name
// so the final spelling sticks. A plain rename failure falls back to
// copy and delete, which covers cross-volume moves.
func File(oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return errors.Wrap(err, "create destination dir")
	}
	sameFile := pathutil.Equal(oldPath, newPath)
	if !sameFile {
		if _, err := os.Lstat(newPath); err == nil {
			return errors.Wrapf(liberr.ErrTargetExists, "%s", newPath)
		}
	}
	if sameFile {
		// Case-only respell: two hops via a name that cannot collide.
		tmp := intermediatePath(newPath)
		if err := move(oldPath, tmp); err != nil {
			return err
		}
		return move(tmp, newPath)
	}
	return move(oldPath, newPath)
}

func move(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	}
	return copyDelete(oldPath, newPath)
}

func copyDelete(oldPath, newPath string) error {
	src, err := os.Open(oldPath)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer src.Close()
	dst, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(newPath)
		return errors.Wrap(err, "copy contents")
	}
	if err := dst.Close(); err != nil {
		os.Remove(newPath)
		return errors.Wrap(err, "close destination")
	}
	return errors.Wrap(os.Remove(oldPath), "remove source")
}

// intermediatePath picks an unused <base>.__tmp_rename__[_<n>]<ext>
// sibling of path.
func intermediatePath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 0; ; n++ {
		suffix := ".__tmp_rename__"
		if n > 0 {
			suffix = fmt.Sprintf(".__tmp_rename___%d", n)
		}
		cand := filepath.Join(dir, stem+suffix+ext)
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

// SanitizeBasename cleans base and extension independently, so a
// hostile character can never corrupt the extension.
func SanitizeBasename(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stem = sanitizePart(stem)
	if ext != "" {
		ext = "." + sanitizePart(ext[1:])
	}
	return stem + ext
}

func sanitizePart(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return '_'
		}
		return r
	}, s)
}

// Template placeholder types that bind to well-known tag types.
var builtinTagTypes = map[string]bool{
	"author":        true,
	"series":        true,
	"title":         true,
	"volume_number": true,
	"year":          true,
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)(?::([^{}]+))?\}`)

// TemplatePath builds the destination for f from template, relative to
// root. Unresolved placeholders are stripped, separators normalized,
// every segment sanitized, and the result must land strictly inside
// root. The source extension is kept.
func TemplatePath(f *catalog.File, template, root string) (string, error) {
	base := filepath.Base(f.FilePath)
	ext := filepath.Ext(base)
	values := map[string]string{
		"id":    fmt.Sprintf("%d", f.ID),
		"title": strings.TrimSuffix(base, ext),
	}
	custom := map[string]string{}
	for _, tag := range f.Tags {
		typeName := strings.ToLower(strings.TrimSpace(tag.TypeName))
		if typeName == "" {
			continue
		}
		if builtinTagTypes[typeName] {
			values[typeName] = tag.Name
		} else {
			custom[typeName] = tag.Name
		}
	}

	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name, arg := sub[1], sub[2]
		if name == "custom_tag" && arg != "" {
			return custom[strings.ToLower(strings.TrimSpace(arg))]
		}
		return values[name]
	})
	// Anything still in braces did not resolve; drop it.
	out = regexp.MustCompile(`\{[^{}]*\}`).ReplaceAllString(out, "")

	out = strings.ReplaceAll(out, "\\", "/")
	var segs []string
	for _, seg := range strings.Split(out, "/") {
		seg = strings.TrimSpace(sanitizePart(seg))
		if seg != "" && seg != "." && seg != ".." {
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		return "", liberr.BadRequestf("template %q resolves to an empty path", template)
	}
	segs[len(segs)-1] += ext

	dst := pathutil.NormalizeFile(filepath.Join(append([]string{root}, segs...)...))
	normRoot := pathutil.NormalizeRoot(root)
	if !pathutil.Within(dst, normRoot) || pathutil.Equal(dst, normRoot) {
		return "", liberr.BadRequestf("template escapes the library root")
	}
	return dst, nil
}
