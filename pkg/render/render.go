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

// Package render downscales and re-encodes page images for constrained
// clients. With a zero max side the page server bypasses this package
// entirely and streams the original bytes.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rwcarlsen/goexif/exif"
	xwebp "golang.org/x/image/webp"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// Options are the per-request rendering knobs.
type Options struct {
	MaxSidePx  int
	Format     string // auto | webp | jpeg | png
	Quality    int
	Resample   string // nearest | bilinear | bicubic | lanczos
	WebPMethod int
	Optimize   bool
}

var resampleFilters = map[string]imaging.ResampleFilter{
	"nearest":  imaging.NearestNeighbor,
	"bilinear": imaging.Linear,
	"bicubic":  imaging.CatmullRom,
	"lanczos":  imaging.Lanczos,
}

// Filter maps a resample name to its kernel, defaulting to bilinear.
func Filter(name string) imaging.ResampleFilter {
	if f, ok := resampleFilters[name]; ok {
		return f
	}
	return imaging.Linear
}

// Page decodes raw, honors JPEG EXIF orientation, shrinks the longest
// side to opt.MaxSidePx when it exceeds it, and re-encodes. It returns
// the encoded bytes and their MIME type.
func Page(raw []byte, opt Options) ([]byte, string, error) {
	img, format, err := decode(raw)
	if err != nil {
		return nil, "", errors.Wrapf(liberr.ErrUnsupported, "decode page: %v", err)
	}
	if format == "jpeg" {
		img = applyOrientation(img, raw)
	}

	if side := opt.MaxSidePx; side > 0 {
		b := img.Bounds()
		if b.Dx() > side || b.Dy() > side {
			if b.Dx() >= b.Dy() {
				img = imaging.Resize(img, side, 0, Filter(opt.Resample))
			} else {
				img = imaging.Resize(img, 0, side, Filter(opt.Resample))
			}
		}
	}

	target := opt.Format
	if target == "" || target == "auto" {
		target = format
		if target == "gif" {
			target = "png"
		}
	}
	return encode(img, target, opt)
}

func decode(raw []byte) (image.Image, string, error) {
	// Sniff webp explicitly; the x/image decoder registers itself but
	// sniffing here keeps the format name stable.
	if len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WEBP" {
		img, err := xwebp.Decode(bytes.NewReader(raw))
		return img, "webp", err
	}
	return image.Decode(bytes.NewReader(raw))
}

func encode(img image.Image, format string, opt Options) ([]byte, string, error) {
	quality := opt.Quality
	if quality < 1 || quality > 100 {
		quality = 82
	}
	var buf bytes.Buffer
	switch format {
	case "webp":
		err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
		if err != nil {
			return nil, "", errors.Wrap(err, "encode webp")
		}
		return buf.Bytes(), "image/webp", nil
	case "jpeg":
		err := jpeg.Encode(&buf, flattenAlpha(img), &jpeg.Options{Quality: quality})
		if err != nil {
			return nil, "", errors.Wrap(err, "encode jpeg")
		}
		return buf.Bytes(), "image/jpeg", nil
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", errors.Wrap(err, "encode png")
		}
		return buf.Bytes(), "image/png", nil
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, "", errors.Wrap(err, "encode gif")
		}
		return buf.Bytes(), "image/gif", nil
	}
	return nil, "", errors.Wrapf(liberr.ErrBadRequest, "render format %q", format)
}

// flattenAlpha composites transparent pixels onto white, since JPEG
// has no alpha channel.
func flattenAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}

// applyOrientation transposes a decoded JPEG per its EXIF orientation
// tag. Missing or unreadable EXIF leaves the image as decoded.
func applyOrientation(img image.Image, raw []byte) image.Image {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return img
	}
	orient, err := tag.Int(0)
	if err != nil {
		return img
	}
	switch orient {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
