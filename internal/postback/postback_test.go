package postback

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
)

const listingHTML = `<html><body>
<form method="post" action="./LocalInstActsList.aspx?lang=en" id="form1">
<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="vs1" />
<input type="hidden" name="__VIEWSTATEGENERATOR" value="gen" />
<input type="hidden" name="__EVENTVALIDATION" value="ev1" />
<a class="lang_main_active" href="#">Shqip</a>
<a id="MainContent_lbNext" href="javascript:__doPostBack(&#39;ctl00$MainContent$lbNext&#39;,&#39;&#39;)">Next</a>
<a id="MainContent_lbPrev" class="aspNetDisabled">Prev</a>
<input type="image" name="ctl00$MainContent$imgDownload" id="MainContent_imgDownload" src="pdf.png" />
<div class="act_detail_title_a"><a>  Law   on
Registry </a></div>
</form></body></html>`

type recordingFetcher struct {
	mu       sync.Mutex
	requests []crawler.FetchRequest
	resp     crawler.FetchResponse
	err      error
}

func (f *recordingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func parseListing(t *testing.T) *Page {
	t.Helper()
	page, err := Parse(crawler.FetchResponse{
		URL:  "https://gzk.rks-gov.net/LocalInstActsList.aspx",
		Body: []byte(listingHTML),
	})
	require.NoError(t, err)
	return page
}

func TestHiddenFieldsAndRequiredTokens(t *testing.T) {
	t.Parallel()

	page := parseListing(t)
	fields := page.HiddenFields()
	assert.Equal(t, "vs1", fields.Get("__VIEWSTATE"))
	assert.Equal(t, "ev1", fields.Get("__EVENTVALIDATION"))
	require.NoError(t, page.RequireTokens(fields, DefaultRequiredTokens))

	fields.Del("__EVENTVALIDATION")
	err := page.RequireTokens(fields, DefaultRequiredTokens)
	require.ErrorIs(t, err, crawler.ErrParse)
	assert.Contains(t, err.Error(), "__EVENTVALIDATION")
}

func TestFindControl(t *testing.T) {
	t.Parallel()

	page := parseListing(t)

	next, ok := page.FindControl("a[id$='lbNext']")
	require.True(t, ok)
	assert.True(t, next.Enabled)
	assert.Equal(t, "ctl00$MainContent$lbNext", next.Target)

	prev, ok := page.FindControl("a[id$='lbPrev']")
	require.True(t, ok)
	assert.False(t, prev.Enabled)

	download, ok := page.FindControl("input[id*='imgDownload']")
	require.True(t, ok)
	assert.True(t, download.Enabled)
	assert.Equal(t, "ctl00$MainContent$imgDownload", download.Target)

	_, ok = page.FindControl("a[id$='lbMissing']")
	assert.False(t, ok)
}

func TestFormActionResolvesRelative(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://gzk.rks-gov.net/LocalInstActsList.aspx?lang=en", parseListing(t).FormAction())
}

func TestEventFormDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	fields := parseListing(t).HiddenFields()
	form := EventForm(fields, "target")
	assert.Equal(t, "target", form.Get(FieldEventTarget))
	assert.Equal(t, "", form.Get(FieldEventArgument))
	_, present := fields[FieldEventTarget]
	assert.False(t, present)
}

func TestSubmitPostsTokens(t *testing.T) {
	t.Parallel()

	f := &recordingFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusOK}}
	_, err := Submit(context.Background(), f, parseListing(t), "ctl00$MainContent$lbNext", DefaultRequiredTokens)
	require.NoError(t, err)
	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "vs1", req.Form.Get("__VIEWSTATE"))
	assert.Equal(t, "ctl00$MainContent$lbNext", req.Form.Get(FieldEventTarget))
}

func TestText(t *testing.T) {
	t.Parallel()

	page := parseListing(t)
	got, ok := Text(page.Doc.Selection, "div.act_detail_title_a a")
	require.True(t, ok)
	assert.Equal(t, "Law on Registry", got)

	_, ok = Text(page.Doc.Selection, "#MainContent_lblDActNo")
	assert.False(t, ok)
}

func TestLanguagePrimer(t *testing.T) {
	t.Parallel()

	cfg := LanguageConfig{
		Hosts:          []string{"gzk.rks-gov.net"},
		MarkerSelector: "a.lang_main_active",
		WantText:       "English",
		EventTarget:    "ctl00$ctlLang1$lbEnglish",
	}
	first := crawler.FetchResponse{URL: "https://gzk.rks-gov.net/LocalInstActsList.aspx", Body: []byte(listingHTML)}

	f := &recordingFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusOK}}
	refetch, err := LanguagePrimer(cfg)(context.Background(), f, first)
	require.NoError(t, err)
	assert.True(t, refetch)
	require.Len(t, f.requests, 1)
	assert.Equal(t, "ctl00$ctlLang1$lbEnglish", f.requests[0].Form.Get(FieldEventTarget))
	assert.Equal(t, "vs1", f.requests[0].Form.Get("__VIEWSTATE"))

	other := first
	other.URL = "https://eur-lex.europa.eu/x"
	f2 := &recordingFetcher{}
	refetch, err = LanguagePrimer(cfg)(context.Background(), f2, other)
	require.NoError(t, err)
	assert.False(t, refetch)
	assert.Empty(t, f2.requests)

	english := crawler.FetchResponse{
		URL:  first.URL,
		Body: []byte(`<a class="lang_main_active">English</a>`),
	}
	refetch, err = LanguagePrimer(cfg)(context.Background(), f2, english)
	require.NoError(t, err)
	assert.False(t, refetch)
}
