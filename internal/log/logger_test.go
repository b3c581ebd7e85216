// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponentField(t *testing.T) {
	var buf bytes.Buffer
	testLogger := zerolog.New(&buf)
	base = testLogger // Override global for this test

	logger := WithComponent("pipeline")
	logger.Info().Msg("component test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	if entry["component"] != "pipeline" {
		t.Errorf("expected component=pipeline, got %v", entry["component"])
	}

	Configure(Config{})
}

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	testLogger := zerolog.New(&buf)

	ctx := ContextWithRequestID(nil, "req-abc")
	logger := WithContext(ctx, testLogger)
	logger.Info().Msg("context test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	if entry["request_id"] != "req-abc" {
		t.Errorf("expected request_id=req-abc, got %v", entry["request_id"])
	}
}
