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

// Package covercache maintains the sharded on-disk WebP cover store.
// Covers live at <dir>/<shard_hex>/<file_id>.webp where the shard is
// file_id mod shard_count. Writes go through a temp file in the final
// shard directory so the rename is atomic on the same filesystem.
package covercache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"github.com/CaoBiang/Manga-ULM/pkg/archive"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// preferredNames are entry basenames (extension stripped, folded)
// promoted over the natural first page when picking a cover.
var preferredNames = map[string]bool{
	"cover": true,
	"000":   true,
	"0000":  true,
	"封面":    true,
}

// Config carries the cover generation knobs, snapshotted per scan.
type Config struct {
	ShardCount   int
	MaxWidth     int
	TargetKB     int
	QualityStart int
	QualityMin   int
	QualityStep  int
}

// Cache is the sharded cover store rooted at Dir.
type Cache struct {
	dir    string
	reader *archive.Reader
	log    *logrus.Entry
}

// New returns a Cache over dir using reader to pull cover pages.
func New(dir string, reader *archive.Reader, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{dir: dir, reader: reader, log: log}
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// shardHexWidth is at least two digits and grows with the shard count,
// so 256 shards give 00..ff and 4096 give 000..fff.
func shardHexWidth(shardCount int) int {
	w := len(fmt.Sprintf("%x", shardCount-1))
	if w < 2 {
		w = 2
	}
	return w
}

// ShardName returns the shard directory name for fileID.
func ShardName(fileID int64, shardCount int) string {
	if shardCount < 1 {
		shardCount = 1
	}
	shard := fileID % int64(shardCount)
	return fmt.Sprintf("%0*x", shardHexWidth(shardCount), shard)
}

// Path returns the cover file path for fileID.
func (c *Cache) Path(fileID int64, shardCount int) string {
	return filepath.Join(c.dir, ShardName(fileID, shardCount), fmt.Sprintf("%d.webp", fileID))
}

// Exists reports whether a cover is already cached for fileID.
func (c *Cache) Exists(fileID int64, shardCount int) bool {
	_, err := os.Stat(c.Path(fileID, shardCount))
	return err == nil
}

// Remove deletes a cached cover if present.
func (c *Cache) Remove(fileID int64, shardCount int) error {
	err := os.Remove(c.Path(fileID, shardCount))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Resolve maps a bare cover filename (as served by the covers
// endpoint) back to its shard path, refusing separators and traversal.
func (c *Cache) Resolve(name string, shardCount int) (string, error) {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", liberr.BadRequestf("invalid cover name %q", name)
	}
	var fileID int64
	if _, err := fmt.Sscanf(name, "%d.webp", &fileID); err != nil || fmt.Sprintf("%d.webp", fileID) != name {
		return "", liberr.BadRequestf("invalid cover name %q", name)
	}
	return c.Path(fileID, shardCount), nil
}

// Generate extracts the cover page of archivePath, downscales it and
// writes it as WebP. An existing cover is kept unless force is set.
// It returns true when a new cover was written.
func (c *Cache) Generate(ctx context.Context, archivePath string, fileID int64, cfg Config, force bool) (bool, error) {
	dst := c.Path(fileID, cfg.ShardCount)
	if !force {
		if _, err := os.Stat(dst); err == nil {
			return false, nil
		}
	}

	entry, err := c.coverEntry(ctx, archivePath)
	if err != nil {
		return false, err
	}
	raw, err := c.reader.ReadEntry(ctx, archivePath, entry)
	if err != nil {
		return false, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return false, errors.Wrapf(err, "decode cover %q of %s", entry.Name, filepath.Base(archivePath))
	}
	if img.Bounds().Dx() > cfg.MaxWidth {
		img = imaging.Resize(img, cfg.MaxWidth, 0, imaging.Lanczos)
	}

	encoded, quality, err := encodeUnderBudget(img, cfg)
	if err != nil {
		return false, err
	}
	if err := writeAtomic(dst, encoded); err != nil {
		return false, err
	}
	c.log.WithFields(logrus.Fields{
		"file_id": fileID,
		"entry":   entry.Name,
		"quality": quality,
		"bytes":   len(encoded),
	}).Debug("cover written")
	return true, nil
}

// coverEntry picks the preferred-named page if the archive has one,
// else the natural first page.
func (c *Cache) coverEntry(ctx context.Context, archivePath string) (archive.Entry, error) {
	entries, err := c.reader.Entries(ctx, archivePath)
	if err != nil {
		return archive.Entry{}, err
	}
	if len(entries) == 0 {
		return archive.Entry{}, liberr.NotFoundf("no pages in %s", filepath.Base(archivePath))
	}
	for _, e := range entries {
		base := strings.ToLower(strings.TrimSuffix(filepath.Base(e.Name), filepath.Ext(e.Name)))
		if preferredNames[base] {
			return e, nil
		}
	}
	return entries[0], nil
}

// encodeUnderBudget walks the quality down in steps until the encoded
// cover fits the size budget or the floor is reached. The last attempt
// is kept even when it is still over budget.
func encodeUnderBudget(img image.Image, cfg Config) ([]byte, int, error) {
	budget := cfg.TargetKB << 10
	quality := cfg.QualityStart
	step := cfg.QualityStep
	if step < 1 {
		step = 1
	}
	for {
		var buf bytes.Buffer
		err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
		if err != nil {
			return nil, 0, errors.Wrap(err, "encode webp cover")
		}
		if buf.Len() <= budget || quality-step < cfg.QualityMin {
			return buf.Bytes(), quality, nil
		}
		quality -= step
	}
}

func writeAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create shard dir")
	}
	tmp, err := os.CreateTemp(dir, ".cover-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp cover")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp cover")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp cover")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dst), "publish cover")
}
