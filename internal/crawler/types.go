package crawler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Entity is one legal act tracked by the registry crawler.
type Entity struct {
	ID              int64
	ExternalID      string
	Title           *string
	Category        *string
	DetailURL       *string
	LawType         *string
	Institution     *string
	DocumentNumber  *string
	GazetteNumber   *string
	PublishDate     *time.Time
	Body            *string
	TextExtractedAt *time.Time
	PDFDownloaded   bool
	ArtifactPath    *string
	LastSeenAt      *time.Time
	ProcessedAt     *time.Time
	Unprocessed     bool
	CreatedAt       time.Time
}

// EntityFields is a partial update. Nil fields are left untouched.
type EntityFields struct {
	Title           *string
	Category        *string
	DetailURL       *string
	LawType         *string
	Institution     *string
	DocumentNumber  *string
	GazetteNumber   *string
	PublishDate     *time.Time
	Body            *string
	TextExtractedAt *time.Time
	PDFDownloaded   *bool
	ArtifactPath    *string
	ProcessedAt     *time.Time
	Unprocessed     *bool
}

// Apply merges the provided fields into e. Nil values never clear existing data.
func (f EntityFields) Apply(e *Entity) {
	setString(&e.Title, f.Title)
	setString(&e.Category, f.Category)
	setString(&e.DetailURL, f.DetailURL)
	setString(&e.LawType, f.LawType)
	setString(&e.Institution, f.Institution)
	setString(&e.DocumentNumber, f.DocumentNumber)
	setString(&e.GazetteNumber, f.GazetteNumber)
	setTime(&e.PublishDate, f.PublishDate)
	setString(&e.Body, f.Body)
	setTime(&e.TextExtractedAt, f.TextExtractedAt)
	setString(&e.ArtifactPath, f.ArtifactPath)
	setTime(&e.ProcessedAt, f.ProcessedAt)
	if f.PDFDownloaded != nil {
		e.PDFDownloaded = *f.PDFDownloaded
	}
	if f.Unprocessed != nil {
		e.Unprocessed = *f.Unprocessed
	}
}

func setString(dst **string, v *string) {
	if v != nil {
		s := *v
		*dst = &s
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}

// String returns a pointer to s, or nil when s is blank.
func String(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}

// Time returns a pointer to t, or nil for the zero time.
func Time(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ParseExternalID validates a natural key. Numeric keys must be positive;
// anything else must be a non-empty opaque token.
func ParseExternalID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t\r\n") {
		return "", false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	}
	return raw, true
}

// ExternalIDFromURL extracts and validates the key carried in the given query
// parameter of href, resolved against base.
func ExternalIDFromURL(base *url.URL, href, param string) (string, *url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", nil, false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	id, ok := ParseExternalID(abs.Query().Get(param))
	if !ok {
		return "", nil, false
	}
	return id, abs, true
}

// Outcome reports what an upsert did.
type Outcome string

// Upsert outcomes.
const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// UpsertResult is returned by EntityStore.Upsert.
type UpsertResult struct {
	ID      int64
	Outcome Outcome
}

// RelationTypeDefault is used when a label matches nothing in the vocabulary.
const RelationTypeDefault = "related"

// Relation is a directed edge between two entities.
type Relation struct {
	SourceID     int64
	TargetID     int64
	RelationType string
	Comment      *string
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	Unprocessed *bool
	Limit       int
}

// Stats aggregates counts for a phase or a chunk.
type Stats struct {
	Processed int `json:"processed"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Relations int `json:"relations"`
}

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Processed: s.Processed + o.Processed,
		New:       s.New + o.New,
		Updated:   s.Updated + o.Updated,
		Skipped:   s.Skipped + o.Skipped,
		Errors:    s.Errors + o.Errors,
		Relations: s.Relations + o.Relations,
	}
}

// WorkItem is the unit a processor handles. Key is an external ID for
// entity phases and a category name for discovery.
type WorkItem struct {
	Key      string
	URL      string
	Category string
}

// FetchRequest describes a single HTTP exchange.
type FetchRequest struct {
	Method  string
	URL     string
	Form    url.Values
	Headers http.Header
}

// FetchResponse holds the outcome of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// EntityProcessedEvent is published when an entity gains its text body.
type EntityProcessedEvent struct {
	RunID       string    `json:"run_id"`
	ExternalID  string    `json:"external_id"`
	Category    string    `json:"category,omitempty"`
	DetailURL   string    `json:"detail_url,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	TextSHA256  string    `json:"text_sha256"`
	TextLength  int       `json:"text_length"`
	Step        string    `json:"step"`
	ProcessedAt time.Time `json:"processed_at"`
}
