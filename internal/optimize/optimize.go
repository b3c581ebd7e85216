// SPDX-License-Identifier: MIT

// Package optimize decodes, resizes and transcodes image bytes. Failures
// here are never fatal to a request: the pipeline falls back to the
// original bytes and serves them as fetched.
package optimize

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	// Pure-Go WebP decoding for sniff and decode of upstream WebP bytes.
	_ "golang.org/x/image/webp"

	"github.com/imgvault/imgvault/internal/cachekey"
)

// MaxPixels bounds the decoded pixel count. Anything larger is treated
// as a decompression bomb and refused before allocation.
const MaxPixels = 268_000_000

// DefaultQuality applies when a lossy encoder is selected without an
// explicit quality directive.
const DefaultQuality = 80

// Result is an optimized image.
type Result struct {
	Bytes       []byte
	ContentType string
	Width       int
	Height      int
}

// Optimize applies the transform directives to b. With no directives the
// input passes through untouched, typed by a metadata probe. EXIF
// orientation is applied during decode; re-encoding drops every other
// metadata block.
func Optimize(b []byte, o cachekey.Options) (Result, error) {
	o = o.Normalize()

	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return Result{}, fmt.Errorf("probe image: %w", err)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return Result{}, fmt.Errorf("image %dx%d exceeds pixel budget", cfg.Width, cfg.Height)
	}

	if o.IsZero() {
		return Result{
			Bytes:       b,
			ContentType: contentTypeFor(format),
			Width:       cfg.Width,
			Height:      cfg.Height,
		}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	if o.Width > 0 || o.Height > 0 {
		img = resize(img, o)
	}

	target := o.Format
	if target == "" {
		target = format
	}
	out, ct, err := encode(img, target, o.Quality)
	if err != nil {
		return Result{}, err
	}

	bounds := img.Bounds()
	return Result{
		Bytes:       out,
		ContentType: ct,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

// resize scales img down per the fit mode. Upscaling never happens: the
// requested box is clamped to the source dimensions first.
func resize(img image.Image, o cachekey.Options) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	w, h := o.Width, o.Height
	if w > srcW {
		w = srcW
	}
	if h > srcH {
		h = srcH
	}

	// A single dimension is a plain proportional downscale whatever the
	// fit mode says.
	if w == 0 || h == 0 {
		if w >= srcW || h >= srcH {
			return img
		}
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}
	if w == srcW && h == srcH {
		return img
	}

	switch o.Fit {
	case "cover":
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	case "fill":
		return imaging.Resize(img, w, h, imaging.Lanczos)
	case "outside":
		// Smallest image that still covers the box, without cropping.
		scaleW := float64(w) / float64(srcW)
		scaleH := float64(h) / float64(srcH)
		scale := scaleW
		if scaleH > scale {
			scale = scaleH
		}
		return imaging.Resize(img, int(float64(srcW)*scale+0.5), 0, imaging.Lanczos)
	default: // contain, inside, absent
		return imaging.Fit(img, w, h, imaging.Lanczos)
	}
}

func encode(img image.Image, format string, quality int) ([]byte, string, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	switch format {
	case "webp":
		if err := webp.Encode(&buf, img, webp.Options{Quality: quality, Method: 4}); err != nil {
			return nil, "", fmt.Errorf("encode webp: %w", err)
		}
	case "avif":
		if err := avif.Encode(&buf, img, avif.Options{Quality: quality, Speed: 6}); err != nil {
			return nil, "", fmt.Errorf("encode avif: %w", err)
		}
	case "png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, "", fmt.Errorf("encode gif: %w", err)
		}
	default:
		// Unknown decoded format: PNG keeps the pixels lossless.
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		format = "png"
	}
	return buf.Bytes(), contentTypeFor(format), nil
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg", "png", "gif", "webp", "avif", "bmp", "tiff":
		return "image/" + format
	default:
		return "application/octet-stream"
	}
}

// Negotiate resolves the output format from the Accept header. An
// explicit format directive always wins; format=original pins the
// pass-through and suppresses any upgrade. Otherwise an advertised
// image/avif or image/webp upgrades the response.
func Negotiate(accept string, o cachekey.Options) cachekey.Options {
	if o.Format != "" {
		return o.Normalize()
	}
	switch {
	case strings.Contains(accept, "image/avif"):
		o.Format = "avif"
	case strings.Contains(accept, "image/webp"):
		o.Format = "webp"
	}
	return o
}
