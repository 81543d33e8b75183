package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// WordExtractor turns a legacy Word file on disk into plain text.
type WordExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// CommandWordExtractor runs an external converter such as antiword.
type CommandWordExtractor struct {
	Command string
	// Args go before the file path.
	Args    []string
	Timeout time.Duration
}

// Extract runs the command and returns its trimmed stdout.
func (c CommandWordExtractor) Extract(ctx context.Context, path string) (string, error) {
	name := c.Command
	if name == "" {
		name = "antiword"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), c.Args...), path)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%s produced no text", name)
	}
	return text, nil
}
