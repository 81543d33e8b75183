package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Token is one recognized word.
type Token struct {
	Text       string
	Confidence float64
}

// OCRProvider recognizes text in a single page image.
type OCRProvider interface {
	Recognize(ctx context.Context, image []byte) ([]Token, error)
}

// LazyProvider builds its underlying provider on first use and shares it
// across goroutines afterwards.
type LazyProvider struct {
	once    sync.Once
	build   func() (OCRProvider, error)
	inner   OCRProvider
	initErr error
}

// NewLazyProvider wraps build so it runs at most once.
func NewLazyProvider(build func() (OCRProvider, error)) *LazyProvider {
	return &LazyProvider{build: build}
}

// Recognize initializes the provider if needed and delegates.
func (l *LazyProvider) Recognize(ctx context.Context, image []byte) ([]Token, error) {
	l.once.Do(func() {
		l.inner, l.initErr = l.build()
		if l.initErr == nil && l.inner == nil {
			l.initErr = errors.New("ocr provider builder returned nil")
		}
	})
	if l.initErr != nil {
		return nil, fmt.Errorf("ocr init: %w", l.initErr)
	}
	return l.inner.Recognize(ctx, image)
}

// TesseractProvider shells out to the tesseract CLI in TSV mode.
type TesseractProvider struct {
	Command  string
	Language string
}

// NewTesseractProvider checks the binary is on PATH.
func NewTesseractProvider(command, language string) (*TesseractProvider, error) {
	if command == "" {
		command = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("find %s: %w", command, err)
	}
	return &TesseractProvider{Command: command, Language: language}, nil
}

// Recognize feeds image on stdin and parses word-level rows.
func (p *TesseractProvider) Recognize(ctx context.Context, image []byte) ([]Token, error) {
	cmd := exec.CommandContext(ctx, p.Command, "stdin", "stdout", "-l", p.Language, "tsv")
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", p.Command, err, strings.TrimSpace(stderr.String()))
	}
	return parseTSV(stdout.Bytes()), nil
}

// parseTSV reads tesseract's TSV output. Column 10 is confidence on a 0..100
// scale, column 11 is the word text.
func parseTSV(data []byte) []Token {
	var tokens []Token
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		cols := strings.Split(sc.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		tokens = append(tokens, Token{Text: text, Confidence: conf / 100})
	}
	return tokens
}

// JoinTokens keeps tokens above threshold and joins them with spaces.
func JoinTokens(tokens []Token, threshold float64) string {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Confidence > threshold && strings.TrimSpace(tok.Text) != "" {
			words = append(words, strings.TrimSpace(tok.Text))
		}
	}
	return strings.Join(words, " ")
}
