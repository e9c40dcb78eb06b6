package whatsapp

import (
	"context"
	"sync"

	"github.com/BTreeMap/PacePipe/internal/media"
)

// MockMessage is one message recorded by MockClient.
type MockMessage struct {
	Kind    string // "text", "image", "video" or "document"
	To      string
	Body    string
	File    media.File
	Caption string
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []MockMessage
	Err          error
}

func (m *MockClient) record(msg MockMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// SendText records a text message.
func (m *MockClient) SendText(ctx context.Context, to, body string) error {
	return m.record(MockMessage{Kind: "text", To: to, Body: body})
}

// SendImage records an image message.
func (m *MockClient) SendImage(ctx context.Context, to string, file media.File, caption string) error {
	return m.record(MockMessage{Kind: "image", To: to, File: file, Caption: caption})
}

// SendVideo records a video message.
func (m *MockClient) SendVideo(ctx context.Context, to string, file media.File, caption string) error {
	return m.record(MockMessage{Kind: "video", To: to, File: file, Caption: caption})
}

// SendDocument records a document message.
func (m *MockClient) SendDocument(ctx context.Context, to string, file media.File, caption string) error {
	return m.record(MockMessage{Kind: "document", To: to, File: file, Caption: caption})
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.SentMessages...)
}
