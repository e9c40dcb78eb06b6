package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/media"
	"github.com/BTreeMap/PacePipe/internal/phone"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// messenger is the slice of *whatsmeow.Client used for sending.
type messenger interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// Sender delivers messages through one whatsmeow session.
type Sender struct {
	wa messenger
}

// NewSender wraps a whatsmeow client (or anything that sends like one).
func NewSender(wa messenger) *Sender {
	return &Sender{wa: wa}
}

// recipient turns a bare number or a full JID into a JID.
func recipient(to string) (types.JID, error) {
	addr := to
	if !strings.Contains(addr, "@") {
		addr = phone.FormatWhatsAppNumber(to, phone.UserSuffix)
	}
	if addr == "" {
		return types.JID{}, phone.ErrEmptyNumber
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return jid, nil
}

// SendText sends a plain text message.
func (s *Sender) SendText(ctx context.Context, to, body string) error {
	jid, err := recipient(to)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := s.wa.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Sender.SendText: send failed", "to", jid.User, "error", err)
		return fmt.Errorf("failed to send text to %s: %w", jid.User, err)
	}
	slog.Debug("Sender.SendText: message sent", "to", jid.User)
	return nil
}

// SendImage uploads and sends an image with an optional caption.
func (s *Sender) SendImage(ctx context.Context, to string, file media.File, caption string) error {
	return s.sendMedia(ctx, to, file, whatsmeow.MediaImage, func(up whatsmeow.UploadResponse) *waE2E.Message {
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(file.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	})
}

// SendVideo uploads and sends a video with an optional caption.
func (s *Sender) SendVideo(ctx context.Context, to string, file media.File, caption string) error {
	return s.sendMedia(ctx, to, file, whatsmeow.MediaVideo, func(up whatsmeow.UploadResponse) *waE2E.Message {
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(file.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	})
}

// SendDocument uploads and sends a document; the file name is kept.
func (s *Sender) SendDocument(ctx context.Context, to string, file media.File, caption string) error {
	return s.sendMedia(ctx, to, file, whatsmeow.MediaDocument, func(up whatsmeow.UploadResponse) *waE2E.Message {
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			Title:         proto.String(file.FileName),
			FileName:      proto.String(file.FileName),
			Mimetype:      proto.String(file.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	})
}

func (s *Sender) sendMedia(ctx context.Context, to string, file media.File, kind whatsmeow.MediaType, build func(whatsmeow.UploadResponse) *waE2E.Message) error {
	jid, err := recipient(to)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("failed to read media file: %w", err)
	}
	up, err := s.wa.Upload(ctx, data, kind)
	if err != nil {
		slog.Error("Sender.sendMedia: upload failed", "to", jid.User, "kind", kind, "error", err)
		return fmt.Errorf("failed to upload media: %w", err)
	}
	if _, err := s.wa.SendMessage(ctx, jid, build(up)); err != nil {
		slog.Error("Sender.sendMedia: send failed", "to", jid.User, "kind", kind, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", jid.User, err)
	}
	slog.Debug("Sender.sendMedia: media sent", "to", jid.User, "kind", kind, "bytes", len(data))
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
