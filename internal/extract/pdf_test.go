package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanContentStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		text   string
		blocks int
	}{
		{
			name:   "two text objects",
			in:     "BT /F1 12 Tf 72 712 Td (Ligji Nr. 08/L-001) Tj ET\nBT 72 690 Td (Neni 1) Tj ET",
			text:   "Ligji Nr. 08/L-001\nNeni 1",
			blocks: 2,
		},
		{
			name:   "escapes and nested parens",
			in:     `BT (a \(b\) \\ c) Tj T* (\101\102C (nested)) Tj ET`,
			text:   "a (b) \\ c\nABC (nested)",
			blocks: 1,
		},
		{
			name:   "TJ arrays",
			in:     "BT [(Hel) -20 (lo)] TJ ET",
			text:   "Hello",
			blocks: 1,
		},
		{
			name:   "images only",
			in:     "q 595 0 0 842 0 0 cm /Im0 Do Q",
			text:   "",
			blocks: 0,
		},
		{
			name:   "hex strings and comments skipped",
			in:     "% comment (ignored)\nBT <48656c6c6f> Tj (ok) Tj ET",
			text:   "ok",
			blocks: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, blocks := scanContentStream([]byte(tt.in))
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.blocks, blocks)
		})
	}
}

func TestNeedsOCR(t *testing.T) {
	t.Parallel()

	assert.False(t, PDFDocument{}.NeedsOCR())
	assert.True(t, PDFDocument{Pages: []PDFPage{{ImageCount: 1}}}.NeedsOCR())
	assert.False(t, PDFDocument{Pages: []PDFPage{{ImageCount: 1, TextBlocks: 2}}}.NeedsOCR())
	assert.False(t, PDFDocument{Pages: []PDFPage{{}, {ImageCount: 3}}}.NeedsOCR())
}
