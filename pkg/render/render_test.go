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

package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebp "golang.org/x/image/webp"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPageDownscalesLongestSide(t *testing.T) {
	raw := testPNG(t, 400, 200)
	out, mime, err := Page(raw, Options{MaxSidePx: 100, Format: "png", Resample: "bilinear"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	// Portrait images shrink on height instead.
	raw = testPNG(t, 200, 400)
	out, _, err = Page(raw, Options{MaxSidePx: 100, Format: "png"})
	require.NoError(t, err)
	img, err = png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestPageSmallImageNotUpscaled(t *testing.T) {
	raw := testPNG(t, 40, 30)
	out, _, err := Page(raw, Options{MaxSidePx: 100, Format: "png"})
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())
}

func TestPageWebPOutput(t *testing.T) {
	out, mime, err := Page(testPNG(t, 64, 64), Options{MaxSidePx: 32, Format: "webp", Quality: 80})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", mime)
	img, err := xwebp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestPageAutoKeepsSourceFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10)), nil))
	_, mime, err := Page(buf.Bytes(), Options{MaxSidePx: 5, Format: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	_, mime, err = Page(testPNG(t, 10, 10), Options{MaxSidePx: 5})
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
}

func TestPageJPEGFlattensAlpha(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8)) // fully transparent
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, _, err := Page(buf.Bytes(), Options{Format: "jpeg", Quality: 90})
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(4, 4).RGBA()
	// Transparent pixels land on white, not black.
	assert.Greater(t, r, uint32(0xe000))
	assert.Greater(t, g, uint32(0xe000))
	assert.Greater(t, b, uint32(0xe000))
}

func TestPageRejectsGarbage(t *testing.T) {
	_, _, err := Page([]byte("not an image"), Options{Format: "png"})
	assert.True(t, errors.Is(err, liberr.ErrUnsupported))
}

func TestFilterFallback(t *testing.T) {
	assert.NotNil(t, Filter("lanczos").Kernel)
	assert.Equal(t, Filter("bilinear").Support, Filter("unknown").Support)
}
