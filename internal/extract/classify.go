package extract

import (
	"bytes"
)

// Format is the detected type of a downloaded payload.
type Format string

// Known payload formats.
const (
	FormatPDF     Format = "pdf"
	FormatWord    Format = "word"
	FormatHTML    Format = "html"
	FormatXML     Format = "xml"
	FormatUnknown Format = "unknown"
)

// MinPayloadBytes is the smallest payload treated as a real document.
const MinPayloadBytes = 100

var (
	pdfMagic = []byte("%PDF-")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

// Classify detects the payload format from its leading bytes.
func Classify(data []byte) Format {
	if len(data) < 8 {
		return FormatUnknown
	}
	if bytes.HasPrefix(data, pdfMagic) {
		return FormatPDF
	}
	if bytes.HasPrefix(data, oleMagic) {
		return FormatWord
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(bytes.TrimSpace(bytes.TrimPrefix(head, utf8BOM)))
	switch {
	case bytes.HasPrefix(head, []byte("<!doctype html")), bytes.HasPrefix(head, []byte("<html")):
		return FormatHTML
	case bytes.HasPrefix(head, []byte("<?xml")):
		return FormatXML
	}
	return FormatUnknown
}

// Extension returns the artifact file extension for f.
func (f Format) Extension() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatWord:
		return "doc"
	case FormatHTML:
		return "html"
	case FormatXML:
		return "xml"
	default:
		return "bin"
	}
}

// ContentType returns the MIME type used when persisting f.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatWord:
		return "application/msword"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatXML:
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}
