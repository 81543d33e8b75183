package postback

import (
	"context"
	"net/http"
	"strings"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

// LanguageConfig describes a session-level language switch.
type LanguageConfig struct {
	// Hosts limits the switch to these hostnames; empty means any host.
	Hosts []string
	// MarkerSelector finds the element naming the active language.
	MarkerSelector string
	// WantText must appear in the marker once the wanted language is active.
	WantText string
	// EventTarget is the postback target of the language link.
	EventTarget string
}

// LanguagePrimer returns a session primer that switches the registry UI
// language once, keeping the choice in the session cookie.
func LanguagePrimer(cfg LanguageConfig) func(context.Context, crawler.Fetcher, crawler.FetchResponse) (bool, error) {
	return func(ctx context.Context, f crawler.Fetcher, first crawler.FetchResponse) (bool, error) {
		if cfg.EventTarget == "" {
			return false, nil
		}
		page, err := Parse(first)
		if err != nil {
			return false, err
		}
		if !hostAllowed(cfg.Hosts, page.URL.Hostname()) {
			return false, nil
		}
		if cfg.MarkerSelector != "" {
			if marker, ok := Text(page.Doc.Selection, cfg.MarkerSelector); ok && strings.Contains(marker, cfg.WantText) {
				return false, nil
			}
		}
		_, err = f.Fetch(ctx, crawler.FetchRequest{
			Method: http.MethodPost,
			URL:    page.FormAction(),
			Form:   EventForm(page.HiddenFields(), cfg.EventTarget),
		})
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

func hostAllowed(hosts []string, host string) bool {
	if len(hosts) == 0 {
		return true
	}
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
