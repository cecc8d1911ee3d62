package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRFC3339Millis(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_234_567, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestNew_DropsEmptyStrings(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false, false)

	log.Info("period settled", "period_id", "2025-Q2", "reason", "")
	out := buf.String()
	assert.Contains(t, out, "period settled")
	assert.Contains(t, out, "period_id=2025-Q2")
	assert.NotContains(t, out, "reason=")
}

func TestNew_Verbose(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false, false).Debug("hidden")
	assert.Empty(t, buf.String())

	New(&buf, true, false).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
