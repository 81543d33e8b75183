package pipeline

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
)

// maxFieldRunes bounds every scraped metadata value.
const maxFieldRunes = 1000

var dateLayouts = []string{
	"02.01.2006",
	"02/01/2006",
	"02-01-2006",
	"2006-01-02",
	"02.01.06",
	"02/01/06",
	"02-01-06",
}

// ParseDate reads the registry's day-first date formats.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if i := strings.IndexAny(raw, " T"); i > 0 {
		raw = raw[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// field returns the collapsed, truncated text at selector.
func field(sel *goquery.Selection, selector string) (string, bool) {
	if selector == "" {
		return "", false
	}
	text, ok := postback.Text(sel, selector)
	if !ok {
		return "", false
	}
	return crawler.Truncate(text, maxFieldRunes), true
}

// ParseDetail reads the metadata block of a detail page. Missing elements
// stay nil so they never overwrite stored values.
func ParseDetail(doc *goquery.Document, sel sources.DetailSelectors) crawler.EntityFields {
	var f crawler.EntityFields
	root := doc.Selection
	if v, ok := field(root, sel.Title); ok {
		f.Title = crawler.String(v)
	}
	if v, ok := field(root, sel.DocumentNumber); ok {
		f.DocumentNumber = crawler.String(v)
	}
	if v, ok := field(root, sel.Institution); ok {
		f.Institution = crawler.String(v)
	}
	if v, ok := field(root, sel.GazetteNumber); ok {
		f.GazetteNumber = crawler.String(v)
	}
	if v, ok := field(root, sel.LawType); ok {
		f.LawType = crawler.String(v)
	}
	if v, ok := field(root, sel.PublishDate); ok {
		if t, ok := ParseDate(v); ok {
			f.PublishDate = crawler.Time(t)
		}
	}
	return f
}
