package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOmitsZeroDurationEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build-test.trace")
	events := []Event{
		Interval("parser-to-pickler", "a", 10, 100, 7),
		Interval("pickle-export", "a", 110, 0, 7),
		Interval("compile-0", "a", 120, 50, 8),
	}
	require.NoError(t, Write(path, events))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded struct {
		TraceEvents []Event `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.TraceEvents, 2)
	for _, e := range decoded.TraceEvents {
		assert.Equal(t, "X", e.Ph)
		assert.Equal(t, 0, e.PID)
		assert.GreaterOrEqual(t, e.Dur, 0.0)
	}
	assert.Equal(t, "parser-to-pickler", decoded.TraceEvents[0].Name)
	assert.Equal(t, "compile-0", decoded.TraceEvents[1].Name)
}

func TestWriteEmptyRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build-empty.trace")
	require.NoError(t, Write(path, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"traceEvents":[]}`, string(raw))
}
