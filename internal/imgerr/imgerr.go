// SPDX-License-Identifier: MIT

// Package imgerr defines the machine-readable error envelope returned by
// every non-2xx API response.
package imgerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/imgvault/imgvault/internal/log"
)

// Code is a stable machine-readable error identifier. Clients branch on
// codes, never on message text.
type Code string

const (
	CodeMissingURL         Code = "MISSING_URL"
	CodeMissingParams      Code = "MISSING_PARAMS"
	CodeInvalidParams      Code = "INVALID_PARAMS"
	CodeURLTooLong         Code = "URL_TOO_LONG"
	CodeInvalidURL         Code = "INVALID_URL"
	CodeHTTPSRequired      Code = "HTTPS_REQUIRED"
	CodeCredentialsInURL   Code = "CREDENTIALS_IN_URL"
	CodeInvalidContentType Code = "INVALID_CONTENT_TYPE"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodePrivateHost        Code = "PRIVATE_HOST"
	CodeDomainNotAllowed   Code = "DOMAIN_NOT_ALLOWED"
	CodeRedirectBlocked    Code = "REDIRECT_BLOCKED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeImageNotCached     Code = "IMAGE_NOT_CACHED"
	CodeImageTooLarge      Code = "IMAGE_TOO_LARGE"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeNotImplemented     Code = "NOT_IMPLEMENTED"
	CodeFetchFailed        Code = "FETCH_FAILED"
	CodeUpstreamError      Code = "UPSTREAM_ERROR"
	CodeInvalidRedirect    Code = "INVALID_REDIRECT"
	CodeTooManyRedirects   Code = "TOO_MANY_REDIRECTS"
	CodeEmptyBody          Code = "EMPTY_BODY"
	CodePurgeFailed        Code = "PURGE_FAILED"
	CodeUpstreamTimeout    Code = "UPSTREAM_TIMEOUT"
)

// canonicalMessage maps codes to client-safe messages. Responses with
// status >= 500 always use the canonical text so upstream details never
// leak to clients.
var canonicalMessage = map[Code]string{
	CodeMissingURL:         "missing required query parameter: url",
	CodeMissingParams:      "missing required parameters",
	CodeInvalidParams:      "invalid request parameters",
	CodeURLTooLong:         "url exceeds maximum length",
	CodeInvalidURL:         "url is not a valid absolute URL",
	CodeHTTPSRequired:      "only https URLs are allowed",
	CodeCredentialsInURL:   "URLs with embedded credentials are not allowed",
	CodeInvalidContentType: "upstream did not return an image",
	CodeUnauthorized:       "missing or invalid API key",
	CodePrivateHost:        "host resolves to a private or reserved address",
	CodeDomainNotAllowed:   "host is not on the domain allowlist",
	CodeRedirectBlocked:    "redirect target failed validation",
	CodeNotFound:           "resource not found",
	CodeImageNotCached:     "image is not cached",
	CodeImageTooLarge:      "image exceeds the maximum allowed size",
	CodeRateLimitExceeded:  "rate limit exceeded",
	CodeInternal:           "internal server error",
	CodeNotImplemented:     "not implemented",
	CodeFetchFailed:        "failed to fetch image from origin",
	CodeUpstreamError:      "origin returned an error response",
	CodeInvalidRedirect:    "upstream returned an invalid redirect",
	CodeTooManyRedirects:   "too many upstream redirects",
	CodeEmptyBody:          "upstream returned an empty body",
	CodePurgeFailed:        "cache purge failed",
	CodeUpstreamTimeout:    "timed out fetching image from origin",
}

// E is an API error carrying the HTTP status and machine code alongside
// the wrapped cause.
type E struct {
	Status  int
	Code    Code
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *E) Unwrap() error { return e.Err }

// New creates an API error with the given status, code and client-facing message.
func New(status int, code Code, message string) *E {
	return &E{Status: status, Code: code, Message: message}
}

// Wrap attaches status and code to an underlying error. The client-facing
// message stays canonical; cause detail is for logs only.
func Wrap(err error, status int, code Code) *E {
	return &E{Status: status, Code: code, Err: err}
}

// FromError extracts the *E from an error chain, or classifies unknown
// errors as internal.
func FromError(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}
	return &E{Status: http.StatusInternalServerError, Code: CodeInternal, Err: err}
}

// IsCode reports whether err carries the given machine code.
func IsCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// envelope is the wire shape of an error response.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Status    int    `json:"status"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// HeaderRequestID is the response header carrying the request correlation ID.
const HeaderRequestID = "X-Request-Id"

// Write encodes err as the JSON error envelope. Messages on 5xx responses
// are replaced with the canonical text for the code so internals never
// reach the client.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	e := FromError(err)

	msg := e.Message
	if msg == "" || e.Status >= http.StatusInternalServerError {
		msg = canonicalMessage[e.Code]
		if msg == "" {
			msg = canonicalMessage[CodeInternal]
		}
	}

	reqID := ""
	if r != nil {
		reqID = log.RequestIDFromContext(r.Context())
	}
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}
	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}

	res := envelope{Error: body{
		Status:    e.Status,
		Code:      e.Code,
		Message:   msg,
		RequestID: reqID,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)

	if encErr := json.NewEncoder(w).Encode(res); encErr != nil {
		logger := log.WithComponent("imgerr")
		logger.Error().
			Err(encErr).
			Str("code", string(e.Code)).
			Int("status", e.Status).
			Msg("failed to encode error response")
	}
}
