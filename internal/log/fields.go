// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldComponent     = "component"
	FieldEvent         = "event"

	// Cache fields
	FieldCacheKey  = "cache_key"
	FieldCacheTier = "cache_tier"
	FieldBackend   = "backend"

	// Image fields
	FieldURL         = "url"
	FieldHost        = "host"
	FieldFormat      = "format"
	FieldWidth       = "width"
	FieldHeight      = "height"
	FieldSizeBytes   = "size_bytes"
	FieldContentType = "content_type"

	// Notion asset fields
	FieldWorkspaceID = "workspace_id"
	FieldBlockID     = "block_id"
)
