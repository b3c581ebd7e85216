// SPDX-License-Identifier: MIT

// Package cachekey derives content-addressed cache keys from an upstream
// base URL and a set of transform options. The SHA-256 prefix of the base
// URL is the unit of invalidation: every variant of one source image
// shares it.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

// Transform bounds. Values outside these ranges are dropped, not clamped.
const (
	MinDimension = 1
	MaxDimension = 10000
	MinQuality   = 1
	MaxQuality   = 100
)

// FormatOriginal requests pass-through; it normalises to "no directive".
const FormatOriginal = "original"

var validFormats = map[string]struct{}{
	"webp":         {},
	"avif":         {},
	"png":          {},
	"jpeg":         {},
	FormatOriginal: {},
}

var validFits = map[string]struct{}{
	"cover":   {},
	"contain": {},
	"fill":    {},
	"inside":  {},
	"outside": {},
}

// Options is one variant's transform directives. Zero values mean "no
// directive"; two option sets are equivalent iff they normalise equal.
type Options struct {
	Width   int
	Height  int
	Format  string
	Quality int
	Fit     string
}

// Normalize maps format=original to the absent directive. All other
// fields pass through.
func (o Options) Normalize() Options {
	if o.Format == FormatOriginal {
		o.Format = ""
	}
	return o
}

// IsZero reports whether no directive is set after normalisation.
func (o Options) IsZero() bool {
	n := o.Normalize()
	return n.Width == 0 && n.Height == 0 && n.Format == "" && n.Quality == 0 && n.Fit == ""
}

// VariantSuffix renders the normalised directives in fixed order, joined
// by underscores; "original" when every directive is absent.
func (o Options) VariantSuffix() string {
	n := o.Normalize()
	parts := make([]string, 0, 5)
	if n.Width > 0 {
		parts = append(parts, "w"+strconv.Itoa(n.Width))
	}
	if n.Height > 0 {
		parts = append(parts, "h"+strconv.Itoa(n.Height))
	}
	if n.Format != "" {
		parts = append(parts, "f"+n.Format)
	}
	if n.Quality > 0 {
		parts = append(parts, "q"+strconv.Itoa(n.Quality))
	}
	if n.Fit != "" {
		parts = append(parts, "fit"+n.Fit)
	}
	if len(parts) == 0 {
		return FormatOriginal
	}
	return strings.Join(parts, "_")
}

// Key returns H(baseURL) + "/" + variant suffix.
func Key(baseURL string, o Options) string {
	return Prefix(baseURL) + o.VariantSuffix()
}

// Prefix returns H(baseURL) + "/": the invalidation prefix shared by all
// variants of one source image.
func Prefix(baseURL string) string {
	sum := sha256.Sum256([]byte(baseURL))
	return hex.EncodeToString(sum[:]) + "/"
}

// FromQuery parses transform directives from request query parameters.
// Out-of-range, non-numeric and unknown-enum values are silently dropped;
// the request proceeds as if the parameter were absent. format=original
// is kept verbatim: content negotiation must see that the client asked
// for the original explicitly. Key derivation normalises it away later.
func FromQuery(q url.Values) Options {
	var o Options
	o.Width = parseBoundedInt(q.Get("w"), MinDimension, MaxDimension)
	o.Height = parseBoundedInt(q.Get("h"), MinDimension, MaxDimension)
	o.Quality = parseBoundedInt(q.Get("q"), MinQuality, MaxQuality)

	if f := strings.ToLower(strings.TrimSpace(q.Get("fmt"))); f != "" {
		if _, ok := validFormats[f]; ok {
			o.Format = f
		}
	}
	if fit := strings.ToLower(strings.TrimSpace(q.Get("fit"))); fit != "" {
		if _, ok := validFits[fit]; ok {
			o.Fit = fit
		}
	}
	return o
}

func parseBoundedInt(s string, min, max int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0
	}
	return n
}
