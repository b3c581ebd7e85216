// SPDX-License-Identifier: MIT

// Package upstream fetches image bytes from the origin under a single
// deadline, with manual redirect chasing and a streaming size cap.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/log"
	"github.com/imgvault/imgvault/internal/validate"
	"github.com/imgvault/imgvault/internal/version"
)

// MaxRedirects is the redirect hop budget for one fetch.
const MaxRedirects = 5

// RedirectPolicy vets a resolved redirect target before it is followed.
// A nil error allows the hop.
type RedirectPolicy func(rawURL string) error

// Limiter throttles origin fetches. x/time/rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config parameterises a Fetcher.
type Config struct {
	// Timeout covers the whole call: DNS, connect, TLS, redirects, body.
	Timeout time.Duration

	// MaxBytes caps the response body. The declared Content-Length is
	// checked first, but the stream is counted regardless.
	MaxBytes int64

	// Redirect vets each redirect target. When nil every redirect is
	// refused (fail closed).
	Redirect RedirectPolicy

	// Limiter, when non-nil, gates fetches before any network I/O.
	Limiter Limiter

	// UserAgent overrides the default product identifier.
	UserAgent string
}

// Result is a successful origin fetch.
type Result struct {
	Bytes       []byte
	ContentType string
	FinalURL    string
}

// Fetcher issues origin GETs. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger zerolog.Logger
}

// New builds a Fetcher with the hardened client.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "imgvault/" + version.Version
	}
	return &Fetcher{
		client: newClient(),
		cfg:    cfg,
		logger: log.WithComponent("upstream"),
	}
}

// RedirectValidator builds the production redirect policy from the host
// allowlist: policy violations surface as REDIRECT_BLOCKED (403), while
// malformed targets surface as INVALID_REDIRECT (502).
func RedirectValidator(allowed map[string]struct{}) RedirectPolicy {
	return func(rawURL string) error {
		res := validate.ValidateURL(rawURL, allowed)
		if res.Valid {
			return nil
		}
		switch res.Code {
		case imgerr.CodePrivateHost, imgerr.CodeDomainNotAllowed,
			imgerr.CodeHTTPSRequired, imgerr.CodeCredentialsInURL:
			return imgerr.New(http.StatusForbidden, imgerr.CodeRedirectBlocked,
				fmt.Sprintf("redirect target refused: %s", res.Message))
		default:
			return imgerr.New(http.StatusBadGateway, imgerr.CodeInvalidRedirect,
				fmt.Sprintf("redirect target invalid: %s", res.Message))
		}
	}
}

// Fetch GETs rawURL and returns the body bytes with normalised content
// type. Exactly two request headers are sent; client headers are never
// forwarded.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx); err != nil {
			return Result{}, f.classify(ctx, err)
		}
	}

	current := rawURL
	redirects := 0
	for {
		resp, err := f.do(ctx, current)
		if err != nil {
			return Result{}, f.classify(ctx, err)
		}

		if isRedirect(resp.StatusCode) {
			next, err := f.resolveRedirect(resp)
			drain(resp)
			if err != nil {
				return Result{}, err
			}
			redirects++
			if redirects > MaxRedirects {
				return Result{}, imgerr.New(http.StatusBadGateway, imgerr.CodeTooManyRedirects,
					fmt.Sprintf("more than %d redirects", MaxRedirects))
			}
			f.logger.Debug().
				Str(log.FieldURL, current).
				Str("location", next).
				Int("hop", redirects).
				Msg("following upstream redirect")
			current = next
			continue
		}

		res, err := f.readResponse(ctx, resp, current)
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}
}

func (f *Fetcher) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, imgerr.Wrap(err, http.StatusBadGateway, imgerr.CodeFetchFailed)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/*")
	return f.client.Do(req)
}

// resolveRedirect extracts and vets the Location target. The response
// body is not consumed here.
func (f *Fetcher) resolveRedirect(resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", imgerr.New(http.StatusBadGateway, imgerr.CodeInvalidRedirect,
			"redirect response without Location")
	}
	next, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", imgerr.Wrap(err, http.StatusBadGateway, imgerr.CodeInvalidRedirect)
	}
	target := next.String()

	if f.cfg.Redirect == nil {
		return "", imgerr.New(http.StatusForbidden, imgerr.CodeRedirectBlocked,
			"redirects are not permitted")
	}
	if err := f.cfg.Redirect(target); err != nil {
		return "", err
	}
	return target, nil
}

func (f *Fetcher) readResponse(ctx context.Context, resp *http.Response, url string) (Result, error) {
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		if status == http.StatusForbidden {
			// Signed-URL auth failures must not leak as 403.
			status = http.StatusBadGateway
		}
		return Result{}, imgerr.New(status, imgerr.CodeUpstreamError,
			fmt.Sprintf("origin returned status %d", resp.StatusCode))
	}

	ct := NormalizeContentType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "image/") {
		return Result{}, imgerr.New(http.StatusBadRequest, imgerr.CodeInvalidContentType,
			fmt.Sprintf("origin returned %q, not an image", ct))
	}

	if resp.ContentLength > f.cfg.MaxBytes {
		// Declared too large: refuse before reading a single body byte.
		return Result{}, imgerr.New(http.StatusRequestEntityTooLarge, imgerr.CodeImageTooLarge,
			fmt.Sprintf("declared size %d exceeds limit %d", resp.ContentLength, f.cfg.MaxBytes))
	}

	// The declared length is never trusted: count the stream and stop one
	// byte past the cap.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return Result{}, f.classify(ctx, err)
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		return Result{}, imgerr.New(http.StatusRequestEntityTooLarge, imgerr.CodeImageTooLarge,
			fmt.Sprintf("body exceeds limit %d mid-stream", f.cfg.MaxBytes))
	}
	if len(data) == 0 {
		return Result{}, imgerr.New(http.StatusBadGateway, imgerr.CodeEmptyBody,
			"origin returned an empty body")
	}

	f.logger.Debug().
		Str(log.FieldURL, url).
		Int(log.FieldSizeBytes, len(data)).
		Str(log.FieldContentType, ct).
		Msg("origin fetch complete")

	return Result{Bytes: data, ContentType: ct, FinalURL: url}, nil
}

// classify maps transport errors onto the API taxonomy: deadline expiry
// is UPSTREAM_TIMEOUT, everything else FETCH_FAILED.
func (f *Fetcher) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return imgerr.Wrap(err, http.StatusGatewayTimeout, imgerr.CodeUpstreamTimeout)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return imgerr.Wrap(err, http.StatusGatewayTimeout, imgerr.CodeUpstreamTimeout)
	}
	return imgerr.Wrap(err, http.StatusBadGateway, imgerr.CodeFetchFailed)
}

// NormalizeContentType strips media-type parameters and lowercases.
func NormalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
