package extract

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandWordExtractor(t *testing.T) {
	t.Parallel()
	requireShell(t)

	path := filepath.Join(t.TempDir(), "act.doc")
	require.NoError(t, os.WriteFile(path, []byte("  Neni 1\n"), 0o600))

	ex := CommandWordExtractor{Command: "sh", Args: []string{"-c", `cat "$0"`}}
	text, err := ex.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Neni 1", text)
}

func TestCommandWordExtractorEmptyOutput(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ex := CommandWordExtractor{Command: "sh", Args: []string{"-c", "true"}}
	_, err := ex.Extract(context.Background(), "/dev/null")
	require.ErrorContains(t, err, "no text")
}

func TestCommandWordExtractorNonZeroExit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ex := CommandWordExtractor{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}
	_, err := ex.Extract(context.Background(), "/dev/null")
	require.ErrorContains(t, err, "broken")
}

func TestCommandWordExtractorTimeout(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ex := CommandWordExtractor{Command: "sh", Args: []string{"-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := ex.Extract(context.Background(), "/dev/null")
	require.ErrorContains(t, err, "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}
