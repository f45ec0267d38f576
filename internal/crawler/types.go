package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the storefront a record was crawled from.
type Source string

// Supported storefronts.
const (
	SourceSteam      Source = "steam"
	SourceMetacritic Source = "metacritic"
	SourceEpic       Source = "epic"
)

// Sources lists every supported storefront in a stable order.
func Sources() []Source {
	return []Source{SourceSteam, SourceMetacritic, SourceEpic}
}

// ParseSource maps a configuration or URL token to a Source.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceSteam:
		return SourceSteam, nil
	case SourceMetacritic:
		return SourceMetacritic, nil
	case SourceEpic, "epicgames", "epic-games":
		return SourceEpic, nil
	default:
		return "", fmt.Errorf("unknown source %q", raw)
	}
}

// IdentityKey is the (source, native id) tuple rendered as a single string.
func IdentityKey(source Source, nativeID string) string {
	return string(source) + ":" + nativeID
}

// FetchRequest describes one page render.
type FetchRequest struct {
	URL    string
	Source Source
	// WaitSelector is the readiness predicate: the page is ready once an element
	// matching it exists and carries non-empty text.
	WaitSelector string
	// MaxWait bounds the readiness poll.
	MaxWait time.Duration
	// Dismiss lists overlay selectors (cookie banners, consent dialogs) that are
	// clicked when present before polling for readiness.
	Dismiss []string
	// AgeGate enables answering a birthday selector before the page renders.
	AgeGate bool
}

// RenderedPage is the fully rendered DOM returned by a Session.
type RenderedPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       []byte
	Title      string
	UserAgent  string
	FetchedAt  time.Time
	Duration   time.Duration
}

// ListingPage is the result of parsing one catalog listing page.
type ListingPage struct {
	DetailURLs []string
	HasNext    bool
}

// MediaKind classifies a MediaAsset.
type MediaKind string

// Media kinds stored in media_assets.kind.
const (
	MediaCover      MediaKind = "cover"
	MediaScreenshot MediaKind = "screenshot"
	MediaVideoThumb MediaKind = "video-thumb"
)

// ScoreKind names which review metric a raw score belongs to.
type ScoreKind string

// Review metrics tracked per snapshot.
const (
	ScoreOverall ScoreKind = "overall"
	ScoreCritic  ScoreKind = "critic"
	ScoreUser    ScoreKind = "user"
)

// RawPrice keeps the storefront's price strings untouched.
type RawPrice struct {
	Current  string
	Original string
	Discount string
	Currency string
}

// RawScore keeps a storefront score as displayed.
type RawScore struct {
	Kind  ScoreKind
	Value string
	// Scale is a hint such as "5", "10", "100", "percent" or "label".
	Scale string
	Label string
}

// RawMedia references an image found on a detail page.
type RawMedia struct {
	Kind MediaKind
	URL  string
}

// RawRecord is the typed intermediate record produced by an Extractor. Empty
// strings and nil slices stand for fields the page did not provide; their names
// are listed in Missing.
type RawRecord struct {
	Source      Source
	NativeID    string
	URL         string
	Title       string
	Description string
	Developer   string
	Publisher   string
	ReleaseDate string
	Genres      []string
	Platforms   []string
	Features    []string
	Price       RawPrice
	Scores      []RawScore
	ReviewCount string
	Media       []RawMedia
	Missing     []string
	ObservedAt  time.Time
}

// ScaleKind records the scale a score was published on.
type ScaleKind string

// Score scales understood by the normalizer.
const (
	ScaleFive    ScaleKind = "five"
	ScaleTen     ScaleKind = "ten"
	ScaleHundred ScaleKind = "hundred"
	ScalePercent ScaleKind = "percent"
	ScaleLabel   ScaleKind = "label"
)

// Score is a review value on the canonical 0-100 scale with its audit trail.
type Score struct {
	Canonical decimal.Decimal
	Raw       decimal.Decimal
	Scale     ScaleKind
	Label     string
}

// Pricing is the normalized price observation.
type Pricing struct {
	Currency    string
	Current     decimal.Decimal
	Original    decimal.Decimal
	DiscountPct decimal.Decimal
	IsFree      bool
}

// Reviews is the normalized review observation.
type Reviews struct {
	Overall *Score
	Critic  *Score
	User    *Score
	Count   *int64
}

// Empty reports whether no review metric was observed.
func (r Reviews) Empty() bool {
	return r.Overall == nil && r.Critic == nil && r.User == nil && r.Count == nil
}

// Platforms holds platform availability flags.
type Platforms struct {
	Windows     bool
	Mac         bool
	Linux       bool
	PlayStation bool
	Xbox        bool
	Switch      bool
}

// Names lists the set flags using the names ParsePlatforms understands.
func (p Platforms) Names() []string {
	var out []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{p.Windows, "windows"},
		{p.Mac, "mac"},
		{p.Linux, "linux"},
		{p.PlayStation, "playstation"},
		{p.Xbox, "xbox"},
		{p.Switch, "switch"},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return out
}

// FeatureCategory marks whether a tag came from the controlled vocabulary.
type FeatureCategory string

// Feature categories.
const (
	FeatureVocabulary    FeatureCategory = "vocabulary"
	FeatureUncategorized FeatureCategory = "uncategorized"
)

// FeatureTag is a normalized feature.
type FeatureTag struct {
	Name     string
	Category FeatureCategory
}

// ReleaseStatus summarizes the release date relative to the observation.
type ReleaseStatus string

// Release statuses.
const (
	ReleaseReleased ReleaseStatus = "released"
	ReleaseUpcoming ReleaseStatus = "upcoming"
	ReleaseUnknown  ReleaseStatus = "unknown"
)

// MediaRef is a normalized reference to media that still needs downloading.
type MediaRef struct {
	Kind MediaKind
	URL  string
}

// NormalizedRecord is the canonical, source-independent form of a RawRecord.
type NormalizedRecord struct {
	Source        Source
	NativeID      string
	URL           string
	Title         string
	TitleKey      string
	Description   string
	Developer     string
	DeveloperKey  string
	Publisher     string
	ReleaseDate   string
	ReleaseStatus ReleaseStatus
	Genres        []string
	Platforms     Platforms
	Features      []FeatureTag
	Pricing       *Pricing
	Reviews       Reviews
	Media         []MediaRef
	ObservedAt    time.Time
}

// IdentityKey returns the record's (source, native id) key.
func (r NormalizedRecord) IdentityKey() string {
	return IdentityKey(r.Source, r.NativeID)
}

// MediaBlob is downloaded media ready to be committed.
type MediaBlob struct {
	Kind        MediaKind
	SourceURL   string
	ContentType string
	Data        []byte
}

// MediaAsset is a stored media row.
type MediaAsset struct {
	ProductID   string
	Kind        MediaKind
	SourceURL   string
	BlobPath    string
	BlobURI     string
	ByteSize    int64
	ContentHash string
}

// ProductRef is the slice of a Product needed for identity resolution.
type ProductRef struct {
	ID           string
	Source       Source
	NativeID     string
	TitleKey     string
	DeveloperKey string
	// Linked is set once the product is on either side of an identity link.
	Linked bool
}

// ResolutionKind tags the outcome of identity resolution.
type ResolutionKind string

// Resolution kinds.
const (
	ResolveNew       ResolutionKind = "new_product"
	ResolveUpdate    ResolutionKind = "update_product"
	ResolveAutoLink  ResolutionKind = "auto_link"
	ResolveCandidate ResolutionKind = "link_candidate"
)

// Resolution is the tagged result of matching a record against stored products.
// ProductID is the stored product for updates, or the cross-source match for
// auto links and link candidates.
type Resolution struct {
	Kind       ResolutionKind
	ProductID  string
	Confidence float64
}

// LinkStatus is the review state of an identity link.
type LinkStatus string

// Identity link statuses.
const (
	LinkStatusAuto      LinkStatus = "auto"
	LinkStatusCandidate LinkStatus = "candidate"
)

// LinkStatusFor maps a resolution to the link it creates; ok is false for
// resolutions that do not link products.
func LinkStatusFor(kind ResolutionKind) (status LinkStatus, ok bool) {
	switch kind {
	case ResolveAutoLink:
		return LinkStatusAuto, true
	case ResolveCandidate:
		return LinkStatusCandidate, true
	default:
		return "", false
	}
}

// CommitRequest is handed to a CatalogStore to persist one game record.
type CommitRequest struct {
	RunID         string
	NewProductID  string
	Record        NormalizedRecord
	Resolution    Resolution
	Assets        []MediaAsset
	DegradedMedia bool
}

// CommitOutcome reports what the catalog transaction did.
type CommitOutcome struct {
	ProductID string
	Created   bool
}

// MediaFailure describes one asset skipped during a commit.
type MediaFailure struct {
	SourceURL string
	Reason    string
}

// CommitResult is returned by the storage writer.
type CommitResult struct {
	ProductID     string
	Created       bool
	Assets        []MediaAsset
	Reused        int
	DegradedMedia bool
	Skipped       []MediaFailure
}

// Stage names the pipeline step where a record was dropped or degraded.
type Stage string

// Pipeline stages recorded on failures.
const (
	StageListing   Stage = "listing"
	StageFetch     Stage = "fetch"
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageMedia     Stage = "media"
	StageCommit    Stage = "commit"
)

// FailureRecord carries enough context to reprocess a dropped or degraded record.
type FailureRecord struct {
	RunID  string
	Source Source
	URL    string
	Stage  Stage
	Reason string
	Detail string
	At     time.Time
}

// LinkCandidate is a pending cross-source identity match.
type LinkCandidate struct {
	ProductID       string
	LinkedProductID string
	Confidence      float64
	CreatedAt       time.Time
}

// RunState is a state of the per-source orchestrator state machine.
type RunState string

// Orchestrator states.
const (
	StateIdle        RunState = "idle"
	StateListing     RunState = "listing"
	StateDetailFetch RunState = "detail_fetch"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
)

// Checkpoint is the persisted resume state of one source.
type Checkpoint struct {
	Source    Source
	RunID     string
	State     RunState
	Queue     []string
	Done      map[string]struct{}
	Reason    string
	UpdatedAt time.Time
	// ListingExhausted is set when listing reached the end of the catalog
	// rather than a page or item cap. Only then can unseen products be
	// counted as missed.
	ListingExhausted bool
}

// Remaining returns queue entries not yet marked done, preserving queue order.
func (c Checkpoint) Remaining() []string {
	out := make([]string, 0, len(c.Queue))
	for _, u := range c.Queue {
		if _, ok := c.Done[u]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Resumable reports whether a new run should continue this checkpoint instead of
// listing the catalog again.
func (c Checkpoint) Resumable() bool {
	return c.State == StateDetailFetch && len(c.Queue) > 0
}

// WorkItem is a queued detail page.
type WorkItem struct {
	RunID  string
	Source Source
	URL    string
	Index  int
}

// RunCounters summarizes a source run.
type RunCounters struct {
	Listed    int `json:"listed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Degraded  int `json:"degraded"`
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Delisted  int `json:"delisted"`
}
