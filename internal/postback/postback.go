// Package postback reads and replays ASP.NET WebForms page state: hidden
// session tokens, __doPostBack event targets and the form they post to.
package postback

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

// Event fields added to every postback.
const (
	FieldEventTarget   = "__EVENTTARGET"
	FieldEventArgument = "__EVENTARGUMENT"
)

// DefaultRequiredTokens are the hidden fields WebForms validates on postback.
var DefaultRequiredTokens = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

var doPostBackTarget = regexp.MustCompile(`__doPostBack\(\s*['"]([^'"]+)['"]`)

// Page is a parsed response with its resolved URL.
type Page struct {
	Doc *goquery.Document
	URL *url.URL
	Raw crawler.FetchResponse
}

// Parse builds a Page from a fetch response.
func Parse(resp crawler.FetchResponse) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &crawler.ParseError{What: "html: " + err.Error(), URL: resp.URL}
	}
	u, err := url.Parse(resp.URL)
	if err != nil {
		return nil, &crawler.ParseError{What: "response url: " + err.Error(), URL: resp.URL}
	}
	return &Page{Doc: doc, URL: u, Raw: resp}, nil
}

// HiddenFields collects every named hidden input on the page.
func (p *Page) HiddenFields() url.Values {
	fields := url.Values{}
	p.Doc.Find("input[type='hidden'], input[type='HIDDEN']").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := s.Attr("value")
		fields.Set(name, value)
	})
	return fields
}

// RequireTokens fails with a ParseError naming the first missing token.
func (p *Page) RequireTokens(fields url.Values, names []string) error {
	for _, name := range names {
		if _, ok := fields[name]; !ok {
			return &crawler.ParseError{What: "missing " + name, URL: p.Raw.URL}
		}
	}
	return nil
}

// FormAction returns the absolute URL the page's main form posts to.
func (p *Page) FormAction() string {
	action, ok := p.Doc.Find("form").First().Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return p.URL.String()
	}
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return p.URL.String()
	}
	return p.URL.ResolveReference(ref).String()
}

// Control is a postback-capable element.
type Control struct {
	ID      string
	Name    string
	Target  string
	Enabled bool
}

// FindControl locates the first element matching selector.
func (p *Page) FindControl(selector string) (Control, bool) {
	sel := p.Doc.Find(selector).First()
	if sel.Length() == 0 {
		return Control{}, false
	}
	return controlFrom(sel), true
}

func controlFrom(sel *goquery.Selection) Control {
	id, _ := sel.Attr("id")
	name, _ := sel.Attr("name")
	href, hasHref := sel.Attr("href")
	onclick, _ := sel.Attr("onclick")

	target := ""
	for _, src := range []string{href, onclick} {
		if m := doPostBackTarget.FindStringSubmatch(src); m != nil {
			target = m[1]
			break
		}
	}
	if target == "" {
		target = name
	}
	if target == "" {
		target = id
	}

	enabled := true
	if _, disabled := sel.Attr("disabled"); disabled {
		enabled = false
	}
	if class, _ := sel.Attr("class"); strings.Contains(class, "aspNetDisabled") {
		enabled = false
	}
	if goquery.NodeName(sel) == "a" && (!hasHref || strings.TrimSpace(href) == "") {
		enabled = false
	}
	return Control{ID: id, Name: name, Target: target, Enabled: enabled}
}

// EventForm copies fields and adds the event target and an empty argument.
func EventForm(fields url.Values, target string) url.Values {
	form := make(url.Values, len(fields)+2)
	for k, v := range fields {
		form[k] = append([]string(nil), v...)
	}
	form.Set(FieldEventTarget, target)
	form.Set(FieldEventArgument, "")
	return form
}

// Submit posts the page's hidden state with target as the event target.
func Submit(ctx context.Context, f crawler.Fetcher, p *Page, target string, required []string) (crawler.FetchResponse, error) {
	fields := p.HiddenFields()
	if err := p.RequireTokens(fields, required); err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, err := f.Fetch(ctx, crawler.FetchRequest{
		Method: http.MethodPost,
		URL:    p.FormAction(),
		Form:   EventForm(fields, target),
	})
	if err != nil {
		return resp, fmt.Errorf("postback %s: %w", target, err)
	}
	return resp, nil
}

// Text returns the collapsed text of the first element matching selector.
// The boolean is false when nothing matched or the text is blank.
func Text(sel *goquery.Selection, selector string) (string, bool) {
	found := sel.Find(selector).First()
	if found.Length() == 0 {
		return "", false
	}
	text := crawler.CollapseSpace(found.Text())
	return text, text != ""
}
