// Package pagination walks postback-paginated listing pages. Each page's
// hidden tokens feed the request for the next one, so a listing is always
// walked sequentially by a single worker.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
)

// ErrInitialPage marks a failure to load the first listing page.
var ErrInitialPage = errors.New("initial listing page failed")

// State is a walker state.
type State string

// Walker states.
const (
	StateInit          State = "INIT"
	StateHasPage       State = "HAS_PAGE"
	StateNextAvailable State = "NEXT_AVAILABLE"
	StateDone          State = "DONE"
)

// StopReason explains why a walk reached DONE.
type StopReason string

// Stop reasons.
const (
	StopNoNext       StopReason = "no_next_control"
	StopNextDisabled StopReason = "next_disabled"
	StopPageCeiling  StopReason = "page_ceiling"
	StopEmptyPages   StopReason = "empty_pages"
	StopFetchFailed  StopReason = "fetch_failed"
	StopParseFailed  StopReason = "parse_failed"
)

// Config controls selectors and safety ceilings.
type Config struct {
	ItemSelector   string
	KeyParam       string
	NextSelector   string
	RequiredTokens []string
	MaxPages       int
	MaxEmptyPages  int
	PageDelay      time.Duration
}

// Item is one discovered listing entry.
type Item struct {
	Key   string
	URL   string
	Title string
	Page  int
}

// Result is everything a walk produced.
type Result struct {
	Items      []Item
	Pages      int
	Duplicates int
	Partial    bool
	Err        error
	StopReason StopReason
}

// Walker drives one listing with one fetcher.
type Walker struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New builds a Walker, filling unset ceilings with defaults.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.MaxEmptyPages <= 0 {
		cfg.MaxEmptyPages = 3
	}
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = "a[href*='ActID=']"
	}
	if cfg.KeyParam == "" {
		cfg.KeyParam = "ActID"
	}
	if cfg.NextSelector == "" {
		cfg.NextSelector = "a[id$='lbNext']"
	}
	if cfg.RequiredTokens == nil {
		cfg.RequiredTokens = postback.DefaultRequiredTokens
	}
	return &Walker{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.Named("walker"),
		sleep:   crawler.Sleep,
	}
}

// Walk traverses the listing at listingURL. Only a failure on the first page
// returns an error; later failures end the walk with Partial set.
func (w *Walker) Walk(ctx context.Context, category, listingURL string) (Result, error) {
	var (
		res   Result
		seen  = make(map[string]struct{})
		empty int
		state = StateInit
		resp  crawler.FetchResponse
		err   error
		page  *postback.Page
		next  postback.Control
	)
	logger := w.logger.With(zap.String("category", category), zap.String("listing", listingURL))

	for state != StateDone {
		switch state {
		case StateInit:
			resp, err = w.fetcher.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: listingURL})
			if err != nil {
				metrics.ObserveWalkerStop(string(StopFetchFailed))
				return res, fmt.Errorf("%w: %s: %w", ErrInitialPage, listingURL, err)
			}
			state = StateHasPage

		case StateHasPage:
			res.Pages++
			metrics.ObserveWalkerPage(category)
			var perr error
			page, perr = postback.Parse(resp)
			if perr != nil {
				if res.Pages == 1 {
					return res, perr
				}
				w.stop(&res, StopParseFailed, perr)
				state = StateDone
				continue
			}
			matched, added := w.collect(page, res.Pages, seen, &res)
			if matched == 0 {
				empty++
			} else {
				empty = 0
			}
			logger.Debug("listing page",
				zap.Int("page", res.Pages),
				zap.Int("links", matched),
				zap.Int("new_items", added),
				zap.Int("total_items", len(res.Items)),
			)

			var ok bool
			next, ok = page.FindControl(w.cfg.NextSelector)
			switch {
			case !ok:
				w.stop(&res, StopNoNext, nil)
			case !next.Enabled:
				w.stop(&res, StopNextDisabled, nil)
			case empty >= w.cfg.MaxEmptyPages:
				w.stop(&res, StopEmptyPages, nil)
			case res.Pages >= w.cfg.MaxPages:
				w.stop(&res, StopPageCeiling, nil)
			default:
				state = StateNextAvailable
				continue
			}
			state = StateDone

		case StateNextAvailable:
			resp, err = w.advance(ctx, page, next)
			if err != nil {
				reason := StopFetchFailed
				if errors.Is(err, crawler.ErrParse) {
					reason = StopParseFailed
				}
				logger.Warn("walk ended early", zap.Int("page", res.Pages), zap.Error(err))
				w.stop(&res, reason, err)
				state = StateDone
				continue
			}
			state = StateHasPage
		}
	}

	logger.Info("walk finished",
		zap.Int("pages", res.Pages),
		zap.Int("items", len(res.Items)),
		zap.Int("duplicates", res.Duplicates),
		zap.Bool("partial", res.Partial),
		zap.String("reason", string(res.StopReason)),
	)
	return res, nil
}

func (w *Walker) advance(ctx context.Context, page *postback.Page, next postback.Control) (crawler.FetchResponse, error) {
	if err := w.sleep(ctx, w.cfg.PageDelay); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("page delay: %w", err)
	}
	return postback.Submit(ctx, w.fetcher, page, next.Target, w.cfg.RequiredTokens)
}

func (w *Walker) stop(res *Result, reason StopReason, err error) {
	res.StopReason = reason
	if err != nil {
		res.Partial = true
		res.Err = err
	}
	metrics.ObserveWalkerStop(string(reason))
}

// collect appends unseen items from page. matched counts every link carrying
// a key, duplicates included; only pages with no such link count as empty.
func (w *Walker) collect(page *postback.Page, pageNr int, seen map[string]struct{}, res *Result) (matched, added int) {
	page.Doc.Find(w.cfg.ItemSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		key, abs, ok := crawler.ExternalIDFromURL(page.URL, href, w.cfg.KeyParam)
		if !ok {
			return
		}
		matched++
		if _, dup := seen[key]; dup {
			res.Duplicates++
			return
		}
		seen[key] = struct{}{}
		res.Items = append(res.Items, Item{
			Key:   key,
			URL:   abs.String(),
			Title: crawler.CollapseSpace(s.Text()),
			Page:  pageNr,
		})
		added++
	})
	return matched, added
}
