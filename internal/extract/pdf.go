package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFPage describes one page's text layout and embedded images.
type PDFPage struct {
	Number     int
	Text       string
	TextBlocks int
	ImageCount int
	Images     [][]byte
}

// PDFDocument is the parsed view of a PDF payload.
type PDFDocument struct {
	Text  string
	Pages []PDFPage
}

// NeedsOCR reports whether the first page carries images but no text blocks.
func (d PDFDocument) NeedsOCR() bool {
	if len(d.Pages) == 0 {
		return false
	}
	first := d.Pages[0]
	return first.ImageCount > 0 && first.TextBlocks == 0
}

// PDFParser extracts native text and page layout facts from PDF bytes.
type PDFParser interface {
	Parse(ctx context.Context, data []byte) (PDFDocument, error)
}

// PDFCPUParser implements PDFParser with pdfcpu.
type PDFCPUParser struct {
	// MaxImagePages bounds how many image-only pages have their images decoded.
	MaxImagePages int
}

// Parse reads every page's content stream and, for pages without text,
// the raw bytes of embedded images.
func (p PDFCPUParser) Parse(ctx context.Context, data []byte) (PDFDocument, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return PDFDocument{}, fmt.Errorf("pdfcpu read: %w", err)
	}

	limit := p.MaxImagePages
	if limit <= 0 {
		limit = 50
	}
	var (
		doc        PDFDocument
		texts      []string
		imagePages int
	)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return PDFDocument{}, fmt.Errorf("pdf parse: %w", err)
		}
		page := PDFPage{Number: pageNr}
		if r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr); err == nil && r != nil {
			if content, err := io.ReadAll(r); err == nil {
				page.Text, page.TextBlocks = scanContentStream(content)
			}
		}
		page.ImageCount = len(pdfcpu.ImageObjNrs(pdfCtx, pageNr))
		if page.ImageCount > 0 && page.TextBlocks == 0 && imagePages < limit {
			imagePages++
			page.Images = pageImages(pdfCtx, pageNr)
		}
		if page.Text != "" {
			texts = append(texts, page.Text)
		}
		doc.Pages = append(doc.Pages, page)
	}
	doc.Text = strings.TrimSpace(strings.Join(texts, "\n\n"))
	return doc, nil
}

func pageImages(pdfCtx *model.Context, pageNr int) [][]byte {
	images, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
	if err != nil {
		return nil
	}
	out := make([][]byte, 0, len(images))
	for _, img := range images {
		if img.Reader == nil {
			continue
		}
		b, err := io.ReadAll(img)
		if err != nil || len(b) == 0 {
			continue
		}
		out = append(out, b)
	}
	return out
}

// scanContentStream pulls shown strings out of a page content stream and
// counts BT text objects. Hex strings are skipped.
func scanContentStream(data []byte) (string, int) {
	var (
		sb     strings.Builder
		blocks int
	)
	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '(':
			s, n := readLiteral(data[i:])
			sb.WriteString(s)
			i += n
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '<' || c == '>' || c == '[' || c == ']' || c == '{' || c == '}' || c == '/' || isSpace(c):
			if c == '<' && i+1 < len(data) && data[i+1] != '<' {
				for i < len(data) && data[i] != '>' {
					i++
				}
			}
			i++
		default:
			start := i
			for i < len(data) && !isSpace(data[i]) && !isDelimiter(data[i]) {
				i++
			}
			switch string(data[start:i]) {
			case "BT":
				blocks++
			case "ET", "T*", "'", "\"":
				writeBreak(&sb, '\n')
			case "Td", "TD":
				writeBreak(&sb, ' ')
			}
			if i == start {
				i++
			}
		}
	}
	return cleanText(sb.String()), blocks
}

func writeBreak(sb *strings.Builder, b byte) {
	if sb.Len() == 0 {
		return
	}
	s := sb.String()
	last := s[len(s)-1]
	if last == '\n' || (last == ' ' && b == ' ') {
		return
	}
	sb.WriteByte(b)
}

// readLiteral decodes a balanced (...) string starting at data[0].
func readLiteral(data []byte) (string, int) {
	var (
		out   []byte
		depth int
		i     int
	)
	for i < len(data) {
		c := data[i]
		switch {
		case c == '\\' && i+1 < len(data):
			i++
			e := data[i]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
			default:
				if e >= '0' && e <= '7' {
					v := 0
					j := 0
					for j < 3 && i < len(data) && data[i] >= '0' && data[i] <= '7' {
						v = v*8 + int(data[i]-'0')
						i++
						j++
					}
					out = append(out, byte(v))
					continue
				}
				out = append(out, e)
			}
		case c == '(':
			depth++
			if depth > 1 {
				out = append(out, c)
			}
		case c == ')':
			depth--
			if depth == 0 {
				return decodeLatin1(out), i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
		i++
	}
	return decodeLatin1(out), i
}

// decodeLatin1 maps single-byte PDFDocEncoding text to UTF-8; UTF-16BE
// strings with a BOM are decoded as such.
func decodeLatin1(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		runes := make([]rune, 0, len(b)/2)
		for i := 2; i+1 < len(b); i += 2 {
			runes = append(runes, rune(b[i])<<8|rune(b[i+1]))
		}
		return string(runes)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
