package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/legal-registry-crawler/internal/pagination"
	"github.com/JakeFAU/legal-registry-crawler/internal/scheduler"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
	"github.com/JakeFAU/legal-registry-crawler/internal/storage/memory"
	"github.com/JakeFAU/legal-registry-crawler/internal/transport"
)

func listingHTML(viewstate, lang string, ids []string, next bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><form method="post" action="./LocalInstActsList.aspx">`)
	fmt.Fprintf(&b, `<a class="lang_main_active">%s</a>`, lang)
	fmt.Fprintf(&b, `<input type="hidden" name="__VIEWSTATE" value="%s"/>`, viewstate)
	b.WriteString(`<input type="hidden" name="__VIEWSTATEGENERATOR" value="G"/>`)
	b.WriteString(`<input type="hidden" name="__EVENTVALIDATION" value="E"/>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<a href="ActDetail.aspx?ActID=%s">Act %s</a>`, id, id)
	}
	if next {
		b.WriteString(`<a id="MainContent_lbNext" href="javascript:__doPostBack('ctl00$MainContent$lbNext','')">Next</a>`)
	} else {
		b.WriteString(`<a id="MainContent_lbNext" class="aspNetDisabled">Next</a>`)
	}
	b.WriteString(`</form></body></html>`)
	return b.String()
}

// registryServer serves a two-page listing. The UI starts in Albanian and
// switches to English once the language postback sets the session cookie.
func registryServer(t *testing.T, languagePosts *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/LocalInstActsList.aspx", func(w http.ResponseWriter, r *http.Request) {
		lang := "Shqip"
		if c, err := r.Cookie("lang"); err == nil && c.Value == "en" {
			lang = "English"
		}
		if r.Method == http.MethodGet {
			_, _ = fmt.Fprint(w, listingHTML("page1", lang, []string{"101", "102"}, true))
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("__EVENTTARGET") {
		case "ctl00$ctlLang1$lbEnglish":
			languagePosts.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "lang", Value: "en", Path: "/"})
			_, _ = fmt.Fprint(w, listingHTML("page1", "English", []string{"101", "102"}, true))
		case "ctl00$MainContent$lbNext":
			if r.PostForm.Get("__VIEWSTATE") != "page1" {
				http.Error(w, "bad viewstate", http.StatusBadRequest)
				return
			}
			_, _ = fmt.Fprint(w, listingHTML("page2", lang, []string{"102", "103"}, false))
		default:
			http.Error(w, "unknown target", http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverEndToEnd(t *testing.T) {
	t.Parallel()

	var languagePosts atomic.Int32
	srv := registryServer(t, &languagePosts)

	profile, err := sources.Registry().WithBaseURL(srv.URL)
	require.NoError(t, err)

	clk := system.NewManual(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewEntityStore(clk)
	factory := NewEnvFactory(transport.Config{
		Timeout: 5 * time.Second,
		Retry:   transport.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
	}, profile.Language, store, zap.NewNop())
	sched := scheduler.New(scheduler.Config{Workers: 2, BatchSize: 10, CommitFrequency: 1}, factory, zap.NewNop())
	runner := NewRunner(sched, uuid.New(), nil, zap.NewNop())
	runner.Register(PhaseDiscover, func(string) crawler.Processor {
		return NewDiscover(profile, pagination.Config{}, zap.NewNop())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	report, err := runner.Run(ctx, PhaseDiscover)
	require.NoError(t, err)
	assert.True(t, uuid.Valid(report.RunID))
	assert.Equal(t, crawler.Stats{Processed: 3, New: 3, Skipped: 1}, report.Stats)
	assert.Equal(t, int32(1), languagePosts.Load())

	entities, err := store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, entities, 3)
	for i, want := range []string{"101", "102", "103"} {
		e := entities[i]
		assert.Equal(t, want, e.ExternalID)
		assert.True(t, e.Unprocessed)
		require.NotNil(t, e.LastSeenAt)
		assert.True(t, e.LastSeenAt.Equal(clk.Now()))
		assert.Equal(t, "LocalInstActs", crawler.Deref(e.Category))
		assert.Equal(t, srv.URL+"/ActDetail.aspx?ActID="+want, crawler.Deref(e.DetailURL))
	}
	relations, err := store.CountRelations(ctx)
	require.NoError(t, err)
	assert.Zero(t, relations)

	last, ok := runner.Reports().Last()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)

	clk.Advance(time.Hour)
	again, err := runner.Run(ctx, PhaseDiscover)
	require.NoError(t, err)
	assert.Equal(t, crawler.Stats{Processed: 3, Updated: 3, Skipped: 1}, again.Stats)
	entities, err = store.ListEntities(ctx, crawler.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.True(t, entities[0].LastSeenAt.Equal(clk.Now()))
}

func TestRunnerUnknownPhaseAndFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewEntityStore(nil)
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	profile, err := sources.Registry().WithBaseURL(srv.URL)
	require.NoError(t, err)

	factory := NewEnvFactory(transport.Config{Retry: transport.RetryConfig{MaxRetries: 1}}, profile.Language, store, nil)
	sched := scheduler.New(scheduler.Config{}, factory, nil)
	reports := &Reports{}
	runner := NewRunner(sched, uuid.New(), reports, nil)
	runner.Register(PhaseDiscover, func(string) crawler.Processor {
		return NewDiscover(profile, pagination.Config{}, nil)
	})
	assert.Equal(t, []string{PhaseDiscover}, runner.Phases())

	_, err = runner.Run(context.Background(), "nope")
	require.Error(t, err)

	out, err := runner.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, crawler.IsFatal(err))
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].Err)
	last, ok := reports.Last()
	require.True(t, ok)
	assert.Equal(t, PhaseDiscover, last.Phase)
}
