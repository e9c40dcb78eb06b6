package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/PacePipe/internal/media"
	"github.com/BTreeMap/PacePipe/internal/session"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, params)
	return &twilioApi.ApiV2010Message{}, nil
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+5215500000000"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.SessionName() != DefaultSessionName || c.fromWhats != "whatsapp:+5215500000000" {
		t.Errorf("unexpected client %+v", c)
	}
}

func TestClientIsProviderForOneSession(t *testing.T) {
	c := newClient(&fakeAPI{}, Opts{FromWhats: "whatsapp:+1", SessionName: "soporte"})
	var p session.Provider = c

	if !p.IsConnected("soporte") || p.IsConnected("ventas") {
		t.Error("only the configured session should be connected")
	}
	if _, ok := p.Client("ventas"); ok {
		t.Error("unexpected client for unknown session")
	}
	if got, ok := p.Client("soporte"); !ok || got != c {
		t.Error("expected the client itself for its session")
	}
}

func TestSendTextAndMedia(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, Opts{FromWhats: "whatsapp:+15550001111"})
	ctx := context.Background()

	if err := c.SendText(ctx, "5215512345678@s.whatsapp.net", "hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	p := api.params[0]
	if *p.To != "whatsapp:+5215512345678" || *p.From != "whatsapp:+15550001111" || *p.Body != "hola" {
		t.Errorf("unexpected params to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}

	file := media.File{Path: "/tmp/x.jpg", SourceURL: "https://cdn.example.com/x.jpg"}
	if err := c.SendImage(ctx, "5215512345678@s.whatsapp.net", file, "mira"); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	p = api.params[1]
	if p.MediaUrl == nil || (*p.MediaUrl)[0] != file.SourceURL {
		t.Errorf("expected media URL %q, got %v", file.SourceURL, p.MediaUrl)
	}

	if err := c.SendDocument(ctx, "5215512345678@s.whatsapp.net", media.File{Path: "/tmp/y.pdf"}, ""); !errors.Is(err, ErrNoMediaURL) {
		t.Errorf("expected ErrNoMediaURL, got %v", err)
	}
	if err := c.SendText(ctx, "@s.whatsapp.net", "x"); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestSendPropagatesAPIError(t *testing.T) {
	c := newClient(&fakeAPI{err: errors.New("429 Too Many Requests")}, Opts{FromWhats: "+1"})
	if err := c.SendText(context.Background(), "5215512345678", "x"); err == nil {
		t.Error("expected API error to propagate")
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendText(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mock.SendVideo(ctx, "12345", media.File{SourceURL: "https://x/v.mp4"}, "")

	if len(mock.SentMessages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Hello Test" || mock.SentMessages[1].MediaURL != "https://x/v.mp4" {
		t.Errorf("unexpected recorded messages %+v", mock.SentMessages)
	}
}
