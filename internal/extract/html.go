package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// containerText returns the text of the first selector match with any
// non-blank content. Block boundaries become newlines.
func containerText(doc *goquery.Document, selectors []string) (string, bool) {
	for _, selector := range selectors {
		var found string
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := blockText(s)
			if text == "" {
				return true
			}
			found = text
			return false
		})
		if found != "" {
			return found, true
		}
	}
	return "", false
}

// htmlBodyText extracts the body text of a downloaded HTML document.
func htmlBodyText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	body := doc.Find("body")
	if body.Length() == 0 {
		return blockText(doc.Selection), nil
	}
	return blockText(body), nil
}

func blockText(s *goquery.Selection) string {
	clone := s.Clone()
	clone.Find("br").ReplaceWithHtml("\n")
	clone.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, b *goquery.Selection) {
		b.AppendHtml("\n")
	})
	lines := strings.Split(clone.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
