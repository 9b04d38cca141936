package fetch

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status represents the current status of a fetch record
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"

	// StatusArchived is reserved for future use. No pipeline transition
	// produces it; do not write it.
	StatusArchived Status = "archived"
)

// Terminal reports whether a status can no longer change for this attempt chain.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Default limits for the fetch pipeline. Each is overridable via
// environment variables (see config package).
const (
	DefaultMaxRetries          = 3
	DefaultScrapeInterval      = 60 * time.Minute
	DefaultStaleRequestTimeout = 120 * time.Minute
)

// Record is one row per submission-attempt-chain. Retries reuse the same
// record; the control plane is the only writer once the record exists.
//
// Optional fields are pointers so that "absent" is a missing BSON field,
// never an empty string or zero. The repository translates explicit
// clears into $unset.
type Record struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	URL           string             `bson:"url" json:"url"`
	Status        Status             `bson:"status" json:"status"`
	Content       *string            `bson:"content,omitempty" json:"content,omitempty"`
	ContentType   *string            `bson:"content_type,omitempty" json:"content_type,omitempty"`
	HTTPStatus    *int               `bson:"http_status,omitempty" json:"http_status,omitempty"`
	ErrorMessage  *string            `bson:"error_message,omitempty" json:"error_message,omitempty"`
	FinalURL      *string            `bson:"final_url,omitempty" json:"final_url,omitempty"`
	RedirectChain []string           `bson:"redirect_chain" json:"redirect_chain"`
	ContentHash   *string            `bson:"content_hash,omitempty" json:"content_hash,omitempty"`
	ContentLength *int64             `bson:"content_length,omitempty" json:"content_length,omitempty"`
	ResponseTime  *int64             `bson:"response_time,omitempty" json:"response_time,omitempty"`
	UserAgent     *string            `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	RetryCount    int                `bson:"retry_count" json:"retry_count"`
	FetchedAt     *time.Time         `bson:"fetched_at,omitempty" json:"fetched_at,omitempty"`
	LastScrapedAt *time.Time         `bson:"last_scraped_at,omitempty" json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// Queue names shared by both planes.
const (
	QueueRequests = "scrape.requests"
	QueueStarted  = "scrape.started"
	QueueResults  = "scrape.results"
	QueueFailures = "scrape.failures"
)

// Request asks a worker to perform one fetch attempt.
type Request struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	RetryCount int    `json:"retry_count"`
	Priority   int    `json:"priority"`
}

// Started reports that a worker has begun an attempt.
type Started struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	UserAgent string    `json:"user_agent"`
}

// Result carries the outcome of a completed attempt, success or not.
type Result struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Success       bool      `json:"success"`
	Content       string    `json:"content,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	FinalURL      string    `json:"final_url,omitempty"`
	RedirectChain []string  `json:"redirect_chain"`
	ContentHash   string    `json:"content_hash,omitempty"`
	ContentLength int64     `json:"content_length"`
	ResponseTime  int64     `json:"response_time"`
	UserAgent     string    `json:"user_agent,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Failure carries a classified attempt error. The retry decision is made
// by the control plane, never by the worker.
type Failure struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	RetryCount   int    `json:"retry_count"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// StringPtr returns a pointer to s. Convenience for building partial updates.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// Int64Ptr returns a pointer to n.
func Int64Ptr(n int64) *int64 { return &n }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
