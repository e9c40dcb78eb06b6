// Package models defines the core data structures for PacePipe.
//
// It includes queued work items, queue statistics, session states and the
// standard API response envelope shared across modules.
package models

import (
	"errors"
	"maps"
	"time"
)

// Queue defaults
const (
	// DefaultMaxRetries is the retry ceiling applied when a producer leaves MaxRetries at zero.
	DefaultMaxRetries = 3
	// NoRetries asks for a single attempt: the queue stores it as a ceiling of 0.
	NoRetries = -1
	// MaxMessageBodyLength defines the maximum allowed length for a message body
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySession      = errors.New("session name cannot be empty")
	ErrEmptyRecipient    = errors.New("recipient cannot be empty")
	ErrEmptyBody         = errors.New("message body is required")
	ErrBodyTooLong       = errors.New("message body exceeds maximum length")
	ErrMissingMediaURL   = errors.New("media URL is required when a media type is given")
	ErrInvalidMediaKind  = errors.New("unsupported media type")
	ErrNegativeSequence  = errors.New("sequence index cannot be negative")
	ErrNegativeRetryCeil = errors.New("max retries cannot be negative")
)

// MediaKind selects which media send operation a session client uses.
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindDocument MediaKind = "document"
)

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaKindImage, MediaKindVideo, MediaKindDocument:
		return true
	default:
		return false
	}
}

// MediaRef points at remote media attached to a work item.
type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// WorkItem is one queued send request owned by exactly one session queue.
type WorkItem struct {
	ID            string        `json:"id"`
	Session       string        `json:"session"`
	To            string        `json:"to"`
	Body          string        `json:"body"`
	Media         *MediaRef     `json:"media,omitempty"`
	CampaignID    *int64        `json:"campaign_id,omitempty"`
	ContactID     *int64        `json:"contact_id,omitempty"`
	SequenceIndex *int          `json:"sequence_index,omitempty"`
	PauseBefore   time.Duration `json:"pause_before,omitempty"`
	Retries       int           `json:"retries"`
	// MaxRetries is the number of retries allowed after the first attempt.
	// Zero means DefaultMaxRetries and NoRetries means none.
	MaxRetries    int           `json:"max_retries"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Validate checks the fields a producer must provide before enqueueing.
// Dispatch-time checks (address normalization, client lookup) happen later.
func (w *WorkItem) Validate() error {
	if w.Session == "" {
		return ErrEmptySession
	}
	if w.To == "" {
		return ErrEmptyRecipient
	}
	if w.Body == "" && w.Media == nil {
		return ErrEmptyBody
	}
	if len(w.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if w.Media != nil {
		if w.Media.URL == "" {
			return ErrMissingMediaURL
		}
		if !IsValidMediaKind(w.Media.Kind) {
			return ErrInvalidMediaKind
		}
	}
	if w.SequenceIndex != nil && *w.SequenceIndex < 0 {
		return ErrNegativeSequence
	}
	if w.MaxRetries < NoRetries {
		return ErrNegativeRetryCeil
	}
	return nil
}

// Index returns the sequence index, or 0 when the item is not part of a batch.
func (w *WorkItem) Index() int {
	if w.SequenceIndex == nil {
		return 0
	}
	return *w.SequenceIndex
}

// QueueStats is a snapshot of the dispatcher's aggregate counters.
type QueueStats struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Retried    int            `json:"retried"`
	BySession  map[string]int `json:"by_instance"`
}

// Clone returns a deep copy safe to hand to callers.
func (s QueueStats) Clone() QueueStats {
	out := s
	out.BySession = maps.Clone(s.BySession)
	if out.BySession == nil {
		out.BySession = map[string]int{}
	}
	return out
}

// SessionState is the connectivity state of a sending session.
type SessionState string

const (
	SessionStatePending      SessionState = "pending"
	SessionStateScanning     SessionState = "scanning"
	SessionStateConnected    SessionState = "connected"
	SessionStateDisconnected SessionState = "disconnected"
	SessionStateError        SessionState = "error"
)

// SessionStatus describes one session as seen by the session manager.
type SessionStatus struct {
	Name     string       `json:"instance_name"`
	State    SessionState `json:"status"`
	Phone    string       `json:"phone,omitempty"`
	QRCode   string       `json:"qr_code,omitempty"`
	LastSeen time.Time    `json:"last_seen"`

	// DeviceJID links the session to its paired whatsmeow device.
	DeviceJID string `json:"-"`
}

// LogStatus is the terminal outcome written to the campaign log.
type LogStatus string

const (
	LogStatusPending LogStatus = "pending"
	LogStatusSent    LogStatus = "sent"
	LogStatusFailed  LogStatus = "failed"
)

// CampaignStats summarizes a campaign's log rows.
type CampaignStats struct {
	Total   int `json:"total"`
	Sent    int `json:"enviados"`
	Failed  int `json:"fallidos"`
	Pending int `json:"pendientes"`
}

// Campaign is a bulk send tracked in the application database.
type Campaign struct {
	ID        int64     `json:"id"`
	Name      string    `json:"nombre"`
	Total     int       `json:"total"`
	Sent      int       `json:"enviados"`
	Failed    int       `json:"fallidos"`
	CreatedAt time.Time `json:"created_at"`
}

// CampaignLog is one contact's row within a campaign.
type CampaignLog struct {
	CampaignID int64     `json:"campaign_id"`
	ContactID  int64     `json:"contact_id"`
	Session    string    `json:"instance_name"`
	Phone      string    `json:"telefono"`
	Status     LogStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates an API request resulted in queued work.
	APIStatusQueued APIStatus = "queued"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the constructed APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Queued creates an API response for work accepted into the queue.
func Queued(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusQueued).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
