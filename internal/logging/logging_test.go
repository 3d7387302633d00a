package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_Levels(t *testing.T) {
	testCases := []struct {
		name      string
		verbose   bool
		wantDebug bool
	}{
		{name: "default suppresses debug", verbose: false, wantDebug: false},
		{name: "verbose emits debug", verbose: true, wantDebug: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, true, tc.verbose)

			logger.Debug("walking instance", "path", "/srv/na")
			logger.Warn("retrying read", "attempt", 2)

			out := buf.String()
			assert.Contains(t, out, "retrying read")
			assert.Equal(t, tc.wantDebug, bytes.Contains(buf.Bytes(), []byte("walking instance")))
		})
	}
}

func TestNewWithWriter_JSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false, false)

	logger.Warn("archive skipped", "file", "broken.nabak")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "archive skipped", record["msg"])
	assert.Equal(t, "broken.nabak", record["file"])
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))

	var buf bytes.Buffer
	l := NewWithWriter(&buf, true, false)
	assert.Same(t, l, OrDiscard(l))
}
