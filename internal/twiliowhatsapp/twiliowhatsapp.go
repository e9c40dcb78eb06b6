// Package twiliowhatsapp serves one named PacePipe session through the Twilio
// WhatsApp API.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/PacePipe/internal/media"
	"github.com/BTreeMap/PacePipe/internal/phone"
	"github.com/BTreeMap/PacePipe/internal/session"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultSessionName is the session name used when none is configured.
const DefaultSessionName = "twilio"

// ErrNoMediaURL is returned when media has no public URL for Twilio to fetch.
var ErrNoMediaURL = errors.New("twilio requires a public media URL")

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID  string
	AuthToken   string
	FromWhats   string // sender in "whatsapp:+5215512345678" format
	SessionName string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithSessionName sets the session name this backend answers to.
func WithSessionName(name string) Option {
	return func(o *Opts) { o.SessionName = name }
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps the Twilio REST API for WhatsApp. It implements both
// session.Client and session.Provider for its single session.
type Client struct {
	api       messageCreator
	fromWhats string
	name      string
}

// NewClient builds a client from options, falling back to TWILIO_* variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api messageCreator, cfg Opts) *Client {
	name := cfg.SessionName
	if name == "" {
		name = DefaultSessionName
	}
	from := cfg.FromWhats
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &Client{api: api, fromWhats: from, name: name}
}

// SessionName returns the session this backend serves.
func (c *Client) SessionName() string { return c.name }

// IsConnected reports true for the configured session; Twilio has no login state.
func (c *Client) IsConnected(name string) bool { return name == c.name }

// Client returns c for the configured session.
func (c *Client) Client(name string) (session.Client, bool) {
	if name != c.name {
		return nil, false
	}
	return c, true
}

// recipient converts "<digits>@server" or a bare number to "whatsapp:+<digits>".
func recipient(to string) (string, error) {
	digits := phone.Digits(phone.NumberOnly(to))
	if digits == "" {
		return "", phone.ErrEmptyNumber
	}
	return "whatsapp:+" + digits, nil
}

func (c *Client) create(to, body, mediaURL string) error {
	dest, err := recipient(to)
	if err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(dest)
	params.SetFrom(c.fromWhats)
	if body != "" {
		params.SetBody(body)
	}
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}
	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("Twilio CreateMessage failed", "to", dest, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", dest, err)
	}
	slog.Debug("Twilio message sent", "to", dest, "media", mediaURL != "")
	return nil
}

// SendText sends a WhatsApp text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.create(to, body, "")
}

func (c *Client) sendMedia(to string, file media.File, caption string) error {
	if file.SourceURL == "" {
		return ErrNoMediaURL
	}
	return c.create(to, caption, file.SourceURL)
}

// SendImage sends an image by its public URL.
func (c *Client) SendImage(ctx context.Context, to string, file media.File, caption string) error {
	return c.sendMedia(to, file, caption)
}

// SendVideo sends a video by its public URL.
func (c *Client) SendVideo(ctx context.Context, to string, file media.File, caption string) error {
	return c.sendMedia(to, file, caption)
}

// SendDocument sends a document by its public URL.
func (c *Client) SendDocument(ctx context.Context, to string, file media.File, caption string) error {
	return c.sendMedia(to, file, caption)
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) add(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

func (m *MockClient) SendText(ctx context.Context, to, body string) error {
	return m.add(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendImage(ctx context.Context, to string, file media.File, caption string) error {
	return m.add(SentMessage{To: to, Body: caption, MediaURL: file.SourceURL})
}

func (m *MockClient) SendVideo(ctx context.Context, to string, file media.File, caption string) error {
	return m.add(SentMessage{To: to, Body: caption, MediaURL: file.SourceURL})
}

func (m *MockClient) SendDocument(ctx context.Context, to string, file media.File, caption string) error {
	return m.add(SentMessage{To: to, Body: caption, MediaURL: file.SourceURL})
}
