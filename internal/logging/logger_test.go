package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONSinks(t *testing.T) {
	dir := t.TempDir()
	log, session, flush, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NotEmpty(t, session)

	log.Infow("probing", "path", "/m/a.mkv")
	log.Errorw("conversion failed", "path", "/m/a.mkv", "exit_code", 1)
	flush()

	events, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(events)), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "probing", rec["msg"])
	assert.Equal(t, "/m/a.mkv", rec["path"])
	assert.Equal(t, session, rec["session"])

	// Errors land in both sinks.
	errs, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "conversion failed")
	assert.NotContains(t, string(errs), "probing")
}

func TestNew_NoDirIsConsoleOnly(t *testing.T) {
	log, _, flush, err := New(Options{})
	require.NoError(t, err)
	defer flush()
	log.Infow("no sinks configured")
}

func TestNew_SessionsDiffer(t *testing.T) {
	_, a, flushA, err := New(Options{})
	require.NoError(t, err)
	defer flushA()
	_, b, flushB, err := New(Options{})
	require.NoError(t, err)
	defer flushB()
	assert.NotEqual(t, a, b)
}
