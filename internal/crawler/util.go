package crawler

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	whitespaceRun        = regexp.MustCompile(`\s+`)
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SafeName turns an external ID into a filesystem and object-store safe token.
func SafeName(raw string) string {
	name := invalidFilenameChars.ReplaceAllString(strings.TrimSpace(raw), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "unnamed"
	}
	return name
}

// CollapseSpace trims s and folds every whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
