// SPDX-License-Identifier: MIT

// Package notionurl extracts asset coordinates from the upstream URL
// families served by the document platform. Parsing is total: a URL that
// matches no family yields ok=false and the caller proceeds with the
// opaque base URL.
package notionurl

import (
	"net/url"
	"strings"
)

// CanonicalHost is the virtual-hosted bucket endpoint used to rebuild an
// upstream URL from stable-path coordinates.
const CanonicalHost = "prod-files-secure.s3.us-west-2.amazonaws.com"

// Parsed carries the asset coordinates recovered from an upstream URL.
// BaseURL is the URL stripped of query and fragment; the volatile
// signature never enters it.
type Parsed struct {
	WorkspaceID string
	BlockID     string
	Filename    string
	BaseURL     string
	FullURL     string
}

// Parse recognises the four upstream hostname families:
// virtual-hosted S3, path-style S3, the platform /image/ wrapper with an
// URL-encoded inner target, and the CDN front at file.notion.so.
func Parse(raw string) (Parsed, bool) {
	return parse(raw, 0)
}

const maxInnerDepth = 2

func parse(raw string, depth int) (Parsed, bool) {
	if depth > maxInnerDepth {
		return Parsed{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Parsed{}, false
	}

	host := strings.ToLower(u.Hostname())
	segs := pathSegments(u.Path)

	var ws, block, file string
	switch {
	case isVirtualHostedS3(host):
		if len(segs) != 3 {
			return Parsed{}, false
		}
		ws, block, file = segs[0], segs[1], segs[2]

	case isPathStyleS3(host):
		if len(segs) != 4 {
			return Parsed{}, false
		}
		ws, block, file = segs[1], segs[2], segs[3]

	case host == "www.notion.so" || host == "notion.so":
		inner, ok := innerImageURL(u)
		if !ok {
			return Parsed{}, false
		}
		innerParsed, ok := parse(inner, depth+1)
		if !ok {
			return Parsed{}, false
		}
		ws, block, file = innerParsed.WorkspaceID, innerParsed.BlockID, innerParsed.Filename

	case host == "file.notion.so":
		if len(segs) != 5 || segs[0] != "f" || segs[1] != "f" {
			return Parsed{}, false
		}
		ws, block, file = segs[2], segs[3], segs[4]

	default:
		return Parsed{}, false
	}

	if ws == "" || block == "" || file == "" {
		return Parsed{}, false
	}

	return Parsed{
		WorkspaceID: ws,
		BlockID:     block,
		Filename:    file,
		BaseURL:     StripQuery(u),
		FullURL:     raw,
	}, true
}

// StripQuery renders the URL without query string and fragment. This is
// the cache-key base: signatures rotate, bytes do not.
func StripQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// BaseURLOf is StripQuery for a raw string. Unparseable input is returned
// unchanged so the caller still has a stable (if opaque) key base.
func BaseURLOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return StripQuery(u)
}

// CanonicalBaseURL rebuilds the virtual-hosted upstream base URL from
// stable-path coordinates.
func CanonicalBaseURL(workspaceID, blockID, filename string) string {
	return "https://" + CanonicalHost + "/" +
		url.PathEscape(workspaceID) + "/" +
		url.PathEscape(blockID) + "/" +
		url.PathEscape(filename)
}

func pathSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isVirtualHostedS3 matches <bucket>.s3.<region>.amazonaws.com and the
// legacy <bucket>.s3.amazonaws.com / <bucket>.s3-<region>.amazonaws.com forms.
func isVirtualHostedS3(host string) bool {
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return false
	}
	parts := strings.Split(host, ".")
	if len(parts) < 4 {
		return false
	}
	if parts[0] == "" || parts[0] == "s3" {
		return false
	}
	return parts[1] == "s3" || strings.HasPrefix(parts[1], "s3-")
}

// isPathStyleS3 matches s3.<region>.amazonaws.com and s3.amazonaws.com,
// where the bucket is the first path segment.
func isPathStyleS3(host string) bool {
	if host == "s3.amazonaws.com" {
		return true
	}
	return strings.HasPrefix(host, "s3.") && strings.HasSuffix(host, ".amazonaws.com")
}

// innerImageURL recovers the URL-encoded target from the /image/ wrapper.
// The raw (escaped) path is used: the inner URL's %2F separators must not
// be confused with real path boundaries.
func innerImageURL(u *url.URL) (string, bool) {
	escaped := u.EscapedPath()
	const prefix = "/image/"
	if !strings.HasPrefix(escaped, prefix) {
		return "", false
	}
	encoded := strings.TrimPrefix(escaped, prefix)
	if encoded == "" {
		return "", false
	}
	inner, err := url.PathUnescape(encoded)
	if err != nil {
		return "", false
	}
	return inner, true
}
