package scanner

import (
	"context"
	"io"
	"time"
)

// KVStore is the shared key-value store with optional TTL. A zero ttl means
// the record never expires.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ContentRepository exposes the site's published content.
type ContentRepository interface {
	ReadingSettings(ctx context.Context) (ReadingSettings, error)
	PublicPostTypes(ctx context.Context) ([]ContentType, error)
	PublicTaxonomies(ctx context.Context) ([]ContentType, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	ListPosts(ctx context.Context, query PostQuery) ([]Post, error)
	ListTerms(ctx context.Context, query TermQuery) ([]Term, error)
	ListUsers(ctx context.Context, query UserQuery) ([]User, error)
	LatestPublishedYear(ctx context.Context) (int, bool, error)

	HomeURL(path string) string
	PostLink(post Post) string
	TermLink(term Term) string
	AuthorLink(user User) string
	YearLink(year int) string
}

// Validator judges the markup served at a URL.
type Validator interface {
	Validate(ctx context.Context, url string) (ValidationResult, error)
}

// ErrorClassifier decides whether a validation error has been accepted.
type ErrorClassifier interface {
	Accepted(err ValidationError) bool
}

// ResultStore persists validation outcomes and run summaries.
type ResultStore interface {
	SaveOutcome(ctx context.Context, runID string, outcome ValidationOutcome) error
	SaveRun(ctx context.Context, summary RunSummary) error
	LatestRun(ctx context.Context) (RunSummary, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes run reports and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Pruner is implemented by KV stores that can drop expired records eagerly.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}
