// Package extract turns registry documents into plain text. It walks a fixed
// fallback chain: primary page, alternate view, downloaded payload parsed
// natively by format, then OCR of scanned PDFs.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
)

// Step names one link of the fallback chain.
type Step string

// Chain steps in order.
const (
	StepPrimary   Step = "primary"
	StepAlternate Step = "alternate"
	StepDownload  Step = "download"
	StepPDFText   Step = "pdf_text"
	StepWordText  Step = "word_text"
	StepHTMLText  Step = "html_text"
	StepOCR       Step = "ocr"
)

var (
	errTooShort    = errors.New("text below minimum length")
	errUnavailable = errors.New("format unavailable marker present")
	errSkipped     = errors.New("not configured")
)

// Config selects containers and thresholds.
type Config struct {
	ContentSelectors  []string
	UnavailableMarker string
	// AlternateURL may contain {id} (query-escaped) and {url} placeholders.
	AlternateURL     string
	DownloadSelector string
	RequiredTokens   []string
	MinHTMLText      int
	OCRConfidence    float64
	ArtifactPrefix   string
}

// Deps are the collaborators a chain needs. Any of them may be nil, which
// makes the corresponding step fail.
type Deps struct {
	Artifacts crawler.BlobStore
	PDF       PDFParser
	Word      WordExtractor
	OCR       OCRProvider
}

// Attempt records one step outcome.
type Attempt struct {
	Step  Step
	Chars int
	Err   error
}

// Result is a successful extraction.
type Result struct {
	Text        string
	Step        Step
	Trace       []Attempt
	ArtifactURI string
	Format      Format
	Downloaded  bool
}

// FailedError carries the trace of an exhausted chain.
type FailedError struct {
	Trace []Attempt
}

func (e *FailedError) Error() string {
	parts := make([]string, 0, len(e.Trace))
	for _, a := range e.Trace {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Step, a.Err))
	}
	return "text extraction failed: " + strings.Join(parts, "; ")
}

// Is matches crawler.ErrExtractionFailed.
func (e *FailedError) Is(target error) bool { return target == crawler.ErrExtractionFailed }

// Extractor runs the chain through one worker's fetcher.
type Extractor struct {
	cfg     Config
	deps    Deps
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, deps Deps, fetcher crawler.Fetcher, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinHTMLText <= 0 {
		cfg.MinHTMLText = 500
	}
	if cfg.OCRConfidence <= 0 {
		cfg.OCRConfidence = 0.5
	}
	if cfg.DownloadSelector == "" {
		cfg.DownloadSelector = "input[id*='imgDownload']"
	}
	if cfg.RequiredTokens == nil {
		cfg.RequiredTokens = postback.DefaultRequiredTokens
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = "documents"
	}
	return &Extractor{cfg: cfg, deps: deps, fetcher: fetcher, logger: logger.Named("extract")}
}

type run struct {
	res    Result
	logger *zap.Logger
}

func (r *run) record(step Step, text string, err error) bool {
	r.res.Trace = append(r.res.Trace, Attempt{Step: step, Chars: utf8.RuneCountInString(text), Err: err})
	if err != nil {
		result := "failed"
		if errors.Is(err, errSkipped) {
			result = "skipped"
		}
		metrics.ObserveExtractStep(string(step), result)
		r.logger.Debug("extraction step failed", zap.String("step", string(step)), zap.Error(err))
		return false
	}
	metrics.ObserveExtractStep(string(step), "ok")
	r.res.Text = text
	r.res.Step = step
	return true
}

// Extract produces the entity's text from sourceURL, its detail page.
func (e *Extractor) Extract(ctx context.Context, sourceURL string, entity crawler.Entity) (Result, error) {
	r := &run{logger: e.logger.With(zap.String("external_id", entity.ExternalID))}

	page, text, err := e.primary(ctx, sourceURL)
	if r.record(StepPrimary, text, err) {
		return r.res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return r.res, ctxErr
	}

	if !errors.Is(err, errUnavailable) {
		text, err = e.alternate(ctx, sourceURL, entity.ExternalID)
		if r.record(StepAlternate, text, err) {
			return r.res, nil
		}
	}

	data, err := e.download(ctx, page, sourceURL, entity.ExternalID, r)
	if err != nil {
		r.record(StepDownload, "", err)
		return r.res, e.fail(ctx, r)
	}
	r.res.Trace = append(r.res.Trace, Attempt{Step: StepDownload, Chars: len(data)})
	metrics.ObserveExtractStep(string(StepDownload), "ok")

	if e.native(ctx, data, r) {
		return r.res, nil
	}
	return r.res, e.fail(ctx, r)
}

func (e *Extractor) fail(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &FailedError{Trace: r.res.Trace}
}

func (e *Extractor) primary(ctx context.Context, sourceURL string) (*postback.Page, string, error) {
	page, err := e.getPage(ctx, sourceURL)
	if err != nil {
		return nil, "", err
	}
	if e.cfg.UnavailableMarker != "" && strings.Contains(page.Doc.Text(), e.cfg.UnavailableMarker) {
		return page, "", errUnavailable
	}
	text, err := e.pageText(page)
	return page, text, err
}

func (e *Extractor) alternate(ctx context.Context, sourceURL, externalID string) (string, error) {
	if e.cfg.AlternateURL == "" {
		return "", errSkipped
	}
	target := strings.NewReplacer(
		"{id}", url.QueryEscape(externalID),
		"{url}", sourceURL,
	).Replace(e.cfg.AlternateURL)
	page, err := e.getPage(ctx, target)
	if err != nil {
		return "", err
	}
	return e.pageText(page)
}

func (e *Extractor) getPage(ctx context.Context, rawURL string) (*postback.Page, error) {
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return postback.Parse(resp)
}

func (e *Extractor) pageText(page *postback.Page) (string, error) {
	text, ok := containerText(page.Doc, e.cfg.ContentSelectors)
	if !ok {
		return "", &crawler.ParseError{What: "no content container", URL: page.Raw.URL}
	}
	if utf8.RuneCountInString(text) < e.cfg.MinHTMLText {
		return text, fmt.Errorf("%w: %d < %d", errTooShort, utf8.RuneCountInString(text), e.cfg.MinHTMLText)
	}
	return text, nil
}

// download posts the download control and persists the payload.
func (e *Extractor) download(
	ctx context.Context,
	page *postback.Page,
	sourceURL, externalID string,
	r *run,
) ([]byte, error) {
	if page == nil {
		var err error
		if page, err = e.getPage(ctx, sourceURL); err != nil {
			return nil, err
		}
	}
	control, ok := page.FindControl(e.cfg.DownloadSelector)
	if !ok {
		return nil, &crawler.ParseError{What: "no download control", URL: page.Raw.URL}
	}
	resp, err := postback.Submit(ctx, e.fetcher, page, control.Target, e.cfg.RequiredTokens)
	if err != nil {
		return nil, err
	}
	data := resp.Body
	if len(data) < MinPayloadBytes {
		return nil, fmt.Errorf("payload too small: %d bytes", len(data))
	}
	format := Classify(data)
	r.res.Format = format
	r.res.Downloaded = true
	if e.deps.Artifacts != nil {
		name := path.Join(e.cfg.ArtifactPrefix, crawler.SafeName(externalID)+"."+format.Extension())
		uri, err := e.deps.Artifacts.PutObject(ctx, name, format.ContentType(), bytes.NewReader(data))
		if err != nil {
			r.logger.Warn("artifact write failed", zap.String("path", name), zap.Error(err))
		} else {
			r.res.ArtifactURI = uri
		}
	}
	return data, nil
}

// native dispatches the payload to its format parser and, for scanned PDFs,
// to OCR. It reports whether any step produced text.
func (e *Extractor) native(ctx context.Context, data []byte, r *run) bool {
	switch r.res.Format {
	case FormatPDF:
		return e.pdf(ctx, data, r)
	case FormatWord:
		text, err := e.word(ctx, data, r.res.ArtifactURI)
		return r.record(StepWordText, text, err)
	case FormatHTML:
		text, err := htmlBodyText(data)
		if err == nil && text == "" {
			err = errors.New("empty html body")
		}
		return r.record(StepHTMLText, text, err)
	default:
		r.record(StepDownload, "", fmt.Errorf("unsupported format %q", r.res.Format))
		return false
	}
}

func (e *Extractor) pdf(ctx context.Context, data []byte, r *run) bool {
	if e.deps.PDF == nil {
		return r.record(StepPDFText, "", errSkipped)
	}
	doc, err := e.deps.PDF.Parse(ctx, data)
	if err == nil && strings.TrimSpace(doc.Text) == "" {
		err = errors.New("no native text")
	}
	if r.record(StepPDFText, strings.TrimSpace(doc.Text), err) {
		return true
	}
	if !doc.NeedsOCR() {
		return false
	}
	text, err := e.ocr(ctx, doc)
	return r.record(StepOCR, text, err)
}

func (e *Extractor) ocr(ctx context.Context, doc PDFDocument) (string, error) {
	if e.deps.OCR == nil {
		return "", errSkipped
	}
	var pages []string
	for _, page := range doc.Pages {
		var words []string
		for _, img := range page.Images {
			tokens, err := e.deps.OCR.Recognize(ctx, img)
			if err != nil {
				return "", fmt.Errorf("ocr page %d: %w", page.Number, err)
			}
			if text := JoinTokens(tokens, e.cfg.OCRConfidence); text != "" {
				words = append(words, text)
			}
		}
		if len(words) > 0 {
			pages = append(pages, strings.Join(words, " "))
		}
	}
	text := strings.Join(pages, "\n\n")
	if text == "" {
		return "", errors.New("ocr produced no text")
	}
	return text, nil
}

func (e *Extractor) word(ctx context.Context, data []byte, artifactURI string) (string, error) {
	if e.deps.Word == nil {
		return "", errSkipped
	}
	if p, ok := strings.CutPrefix(artifactURI, "file://"); ok {
		return e.deps.Word.Extract(ctx, p)
	}
	f, err := os.CreateTemp("", "legalcrawl-*.doc")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return e.deps.Word.Extract(ctx, f.Name())
}
