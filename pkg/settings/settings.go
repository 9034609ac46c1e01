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

// Package settings exposes typed, clamped accessors over the stored
// key/value overrides. Defaults live here, not in the store; deleting
// an override reverts the key.
package settings

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// Source is the override store. Implemented by *catalog.Store.
type Source interface {
	GetConfig(key string) (value string, ok bool, err error)
}

type kind int

const (
	kindInt kind = iota
	kindBool
	kindEnum
)

type def struct {
	kind     kind
	def      string
	min, max int      // int bounds
	enum     []string // allowed values, enum kind
}

// Keys, bounds and defaults. Accessors clamp out-of-range values and
// fall back to the default on parse failure.
var defaults = map[string]def{
	"scan.max_workers":               {kind: kindInt, def: "12", min: 1, max: 128},
	"scan.hash.mode":                 {kind: kindEnum, def: "full", enum: []string{"full", "off"}},
	"scan.cover.mode":                {kind: kindEnum, def: "scan", enum: []string{"scan", "off"}},
	"scan.cover.regenerate_missing":  {kind: kindBool, def: "true"},
	"scan.cancel_check.interval_ms":  {kind: kindInt, def: "200", min: 50, max: 5000},
	"scan.cover.max_width":           {kind: kindInt, def: "500", min: 64, max: 4000},
	"scan.cover.target_kb":           {kind: kindInt, def: "300", min: 50, max: 5000},
	"scan.cover.quality_start":       {kind: kindInt, def: "80", min: 1, max: 100},
	"scan.cover.quality_min":         {kind: kindInt, def: "10", min: 1, max: 100},
	"scan.cover.quality_step":        {kind: kindInt, def: "10", min: 1, max: 50},
	"cover.cache.shard_count":        {kind: kindInt, def: "256", min: 1, max: 4096},
	"reader.stream.chunk_kb":         {kind: kindInt, def: "512", min: 64, max: 4096},
	"ui.reader.image.max_side_px":    {kind: kindInt, def: "0", min: 0, max: 20000},
	"ui.reader.image.render.format":  {kind: kindEnum, def: "webp", enum: []string{"auto", "webp", "jpeg", "png"}},
	"ui.reader.image.render.quality": {kind: kindInt, def: "82", min: 1, max: 100},
	"ui.reader.image.render.resample": {kind: kindEnum, def: "bilinear",
		enum: []string{"nearest", "bilinear", "bicubic", "lanczos"}},
	"ui.reader.image.render.webp_method": {kind: kindInt, def: "0", min: 0, max: 6},
	"ui.reader.image.render.optimize":    {kind: kindBool, def: "false"},
	"ui.reader.image.cache.enabled":      {kind: kindBool, def: "true"},
	"ui.reader.image.cache.max_age_s":    {kind: kindInt, def: "31536000", min: 0, max: 315360000},
	"ui.reader.image.cache.immutable":    {kind: kindBool, def: "true"},
	"ui.tasks.history.retention_days":    {kind: kindInt, def: "30", min: 0, max: 3650},
}

// Provider resolves settings against a Source.
type Provider struct {
	src Source
	log *logrus.Entry
}

// New returns a Provider reading overrides from src.
func New(src Source, log *logrus.Entry) *Provider {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{src: src, log: log}
}

// Known reports whether key is a defined setting.
func Known(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Keys returns every defined setting key, sorted.
func Keys() []string {
	out := make([]string, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Default returns the default value string for key.
func Default(key string) (string, bool) {
	d, ok := defaults[key]
	return d.def, ok
}

// Validate checks a candidate override value for key before storing.
func Validate(key, value string) error {
	d, ok := defaults[key]
	if !ok {
		return liberr.BadRequestf("unknown setting %q", key)
	}
	switch d.kind {
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return liberr.BadRequestf("setting %s: %q is not an integer", key, value)
		}
		if n < d.min || n > d.max {
			return liberr.BadRequestf("setting %s: %d outside [%d, %d]", key, n, d.min, d.max)
		}
	case kindBool:
		if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
			return liberr.BadRequestf("setting %s: %q is not a boolean", key, value)
		}
	case kindEnum:
		v := strings.ToLower(strings.TrimSpace(value))
		for _, e := range d.enum {
			if v == e {
				return nil
			}
		}
		return liberr.BadRequestf("setting %s: %q not in %v", key, value, d.enum)
	}
	return nil
}

// raw reads the stored override, or the default when absent or when
// the store read fails.
func (p *Provider) raw(key string) string {
	d, ok := defaults[key]
	if !ok {
		return ""
	}
	v, found, err := p.src.GetConfig(key)
	if err != nil {
		p.log.WithError(err).WithField("key", key).Warn("settings read failed, using default")
		return d.def
	}
	if !found {
		return d.def
	}
	return v
}

// Int resolves key as an integer, clamped to its bounds.
func (p *Provider) Int(key string) int {
	d := defaults[key]
	n, err := strconv.Atoi(strings.TrimSpace(p.raw(key)))
	if err != nil {
		n, _ = strconv.Atoi(d.def)
	}
	if n < d.min {
		n = d.min
	}
	if n > d.max {
		n = d.max
	}
	return n
}

// Bool resolves key as a boolean.
func (p *Provider) Bool(key string) bool {
	d := defaults[key]
	b, err := strconv.ParseBool(strings.TrimSpace(p.raw(key)))
	if err != nil {
		b, _ = strconv.ParseBool(d.def)
	}
	return b
}

// Enum resolves key against its allowed values.
func (p *Provider) Enum(key string) string {
	d := defaults[key]
	v := strings.ToLower(strings.TrimSpace(p.raw(key)))
	for _, e := range d.enum {
		if v == e {
			return v
		}
	}
	return d.def
}

// ScanConfig is a point-in-time snapshot taken once per scan, so one
// task never sees settings change mid-run.
type ScanConfig struct {
	MaxWorkers          int
	HashMode            string
	CoverMode           string
	RegenerateMissing   bool
	CancelCheckInterval int // milliseconds
	CoverMaxWidth       int
	CoverTargetKB       int
	CoverQualityStart   int
	CoverQualityMin     int
	CoverQualityStep    int
	ShardCount          int
}

// Scan snapshots everything the scanner and cover cache need.
// quality_min is clamped to quality_start.
func (p *Provider) Scan() ScanConfig {
	c := ScanConfig{
		MaxWorkers:          p.Int("scan.max_workers"),
		HashMode:            p.Enum("scan.hash.mode"),
		CoverMode:           p.Enum("scan.cover.mode"),
		RegenerateMissing:   p.Bool("scan.cover.regenerate_missing"),
		CancelCheckInterval: p.Int("scan.cancel_check.interval_ms"),
		CoverMaxWidth:       p.Int("scan.cover.max_width"),
		CoverTargetKB:       p.Int("scan.cover.target_kb"),
		CoverQualityStart:   p.Int("scan.cover.quality_start"),
		CoverQualityMin:     p.Int("scan.cover.quality_min"),
		CoverQualityStep:    p.Int("scan.cover.quality_step"),
		ShardCount:          p.Int("cover.cache.shard_count"),
	}
	if c.CoverQualityMin > c.CoverQualityStart {
		c.CoverQualityMin = c.CoverQualityStart
	}
	return c
}

// RenderConfig carries the page serving knobs.
type RenderConfig struct {
	ChunkKB        int
	MaxSidePx      int
	Format         string
	Quality        int
	Resample       string
	WebPMethod     int
	Optimize       bool
	CacheOn        bool
	CacheMaxAge    int
	CacheImmutable bool
}

// Render snapshots the page serving knobs.
func (p *Provider) Render() RenderConfig {
	return RenderConfig{
		ChunkKB:        p.Int("reader.stream.chunk_kb"),
		MaxSidePx:      p.Int("ui.reader.image.max_side_px"),
		Format:         p.Enum("ui.reader.image.render.format"),
		Quality:        p.Int("ui.reader.image.render.quality"),
		Resample:       p.Enum("ui.reader.image.render.resample"),
		WebPMethod:     p.Int("ui.reader.image.render.webp_method"),
		Optimize:       p.Bool("ui.reader.image.render.optimize"),
		CacheOn:        p.Bool("ui.reader.image.cache.enabled"),
		CacheMaxAge:    p.Int("ui.reader.image.cache.max_age_s"),
		CacheImmutable: p.Bool("ui.reader.image.cache.immutable"),
	}
}

// RetentionDays resolves the task history retention window.
func (p *Provider) RetentionDays() int {
	return p.Int("ui.tasks.history.retention_days")
}

// ShardCount resolves the cover cache shard count.
func (p *Provider) ShardCount() int {
	return p.Int("cover.cache.shard_count")
}
