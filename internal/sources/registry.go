// Package sources holds the selector catalogs for the registries the crawler
// knows how to walk.
package sources

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/pagination"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
)

// Listing is one category and the URL of its paginated list.
type Listing struct {
	Category string `mapstructure:"category"`
	URL      string `mapstructure:"url"`
}

// DetailSelectors locate metadata on an entity's detail page.
type DetailSelectors struct {
	Title          string
	DocumentNumber string
	Institution    string
	PublishDate    string
	GazetteNumber  string
	LawType        string
}

// RelationSelectors locate the related-acts block on a detail page.
type RelationSelectors struct {
	Container string
	Box       string
	Link      string
	Label     string
}

// Profile is everything registry specific.
type Profile struct {
	Name       string
	BaseURL    string
	KeyParam   string
	DetailPath string
	Listings   []Listing

	Walker   pagination.Config
	Language postback.LanguageConfig
	Detail   DetailSelectors
	Relation RelationSelectors

	ContentSelectors  []string
	UnavailableMarker string
	DownloadSelector  string

	// Vocabulary lists relation types matched as label substrings.
	Vocabulary []string
}

// Registry returns the profile for the Kosovo official gazette registry.
func Registry() Profile {
	return Profile{
		Name:       "gzk",
		BaseURL:    "https://gzk.rks-gov.net/",
		KeyParam:   "ActID",
		DetailPath: "ActDetail.aspx",
		Listings: []Listing{
			{Category: "LocalInstActs", URL: "https://gzk.rks-gov.net/LocalInstActsList.aspx"},
		},
		Walker: pagination.Config{
			ItemSelector:   "a[href*='ActID=']",
			KeyParam:       "ActID",
			NextSelector:   "a[id$='lbNext']",
			RequiredTokens: postback.DefaultRequiredTokens,
		},
		Language: postback.LanguageConfig{
			Hosts:          []string{"gzk.rks-gov.net"},
			MarkerSelector: "a.lang_main_active",
			WantText:       "English",
			EventTarget:    "ctl00$ctlLang1$lbEnglish",
		},
		Detail: DetailSelectors{
			Title:          "div.act_detail_title_a a",
			DocumentNumber: "#MainContent_lblDActNo",
			Institution:    "#MainContent_lblDInstSpons",
			PublishDate:    "#MainContent_lblDPubDate",
			GazetteNumber:  "#MainContent_lblDGZK",
			LawType:        "#MainContent_lblDActType",
		},
		Relation: RelationSelectors{
			Container: "#MainContent_drNActRelated",
			Box:       "div.act_link_box_1",
			Link:      "a[href*='ActID=']",
			Label:     "span.span_margin",
		},
		ContentSelectors: []string{
			"#PP4Contents div.eli-container",
			"#PP4Contents #text #textTabContent",
			"div#text",
			"div#textTabContent",
		},
		UnavailableMarker: "HTML format is unavailable",
		DownloadSelector:  "input[id*='imgDownload']",
		Vocabulary: []string{
			"shfuqizon",
			"ndryshon",
			"ndryshohet",
			"plotëson",
			"plotësohet",
			"ndryshon pjesërisht",
			"shfuqizon pjesërisht",
		},
	}
}

// WithListings replaces the listings when any are given.
func (p Profile) WithListings(listings []Listing) Profile {
	if len(listings) > 0 {
		p.Listings = append([]Listing(nil), listings...)
	}
	return p
}

// WithBaseURL moves every registry URL onto base, keeping paths. It is used
// to point the profile at a mirror or a test server.
func (p Profile) WithBaseURL(base string) (Profile, error) {
	if base == "" || base == p.BaseURL {
		return p, nil
	}
	target, err := url.Parse(base)
	if err != nil || target.Host == "" {
		return p, fmt.Errorf("invalid base url %q", base)
	}
	listings := make([]Listing, len(p.Listings))
	for i, l := range p.Listings {
		u, err := url.Parse(l.URL)
		if err != nil {
			return p, fmt.Errorf("listing %s: %w", l.Category, err)
		}
		u.Scheme, u.Host = target.Scheme, target.Host
		listings[i] = Listing{Category: l.Category, URL: u.String()}
	}
	p.Listings = listings
	p.BaseURL = strings.TrimSuffix(target.String(), "/") + "/"
	p.Language.Hosts = []string{target.Hostname()}
	return p, nil
}

// DetailURL builds the detail page URL for an external id.
func (p Profile) DetailURL(externalID string) string {
	q := url.Values{}
	q.Set(p.KeyParam, externalID)
	return strings.TrimSuffix(p.BaseURL, "/") + "/" + p.DetailPath + "?" + q.Encode()
}

// Validate checks that the profile can drive a crawl.
func (p Profile) Validate() error {
	if len(p.Listings) == 0 {
		return fmt.Errorf("source %s: at least one listing is required", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Listings))
	for _, l := range p.Listings {
		if strings.TrimSpace(l.Category) == "" {
			return fmt.Errorf("source %s: listing category is required", p.Name)
		}
		if _, dup := seen[l.Category]; dup {
			return fmt.Errorf("source %s: duplicate listing category %q", p.Name, l.Category)
		}
		seen[l.Category] = struct{}{}
		if _, err := url.ParseRequestURI(l.URL); err != nil {
			return fmt.Errorf("source %s: listing %s url: %w", p.Name, l.Category, err)
		}
	}
	if p.KeyParam == "" {
		return fmt.Errorf("source %s: key parameter is required", p.Name)
	}
	return nil
}

// ClassifyRelation maps a lowercased relation label onto the vocabulary. The
// longest matching term wins so that qualified terms beat their prefixes;
// equal lengths keep vocabulary order. Labels matching nothing are
// crawler.RelationTypeDefault.
func ClassifyRelation(vocabulary []string, label string) string {
	label = strings.ToLower(crawler.CollapseSpace(label))
	type candidate struct {
		term  string
		order int
	}
	var matches []candidate
	for i, term := range vocabulary {
		if term != "" && strings.Contains(label, term) {
			matches = append(matches, candidate{term: term, order: i})
		}
	}
	if len(matches) == 0 {
		return crawler.RelationTypeDefault
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return utf8.RuneCountInString(matches[i].term) > utf8.RuneCountInString(matches[j].term)
	})
	return matches[0].term
}
