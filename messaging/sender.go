package messaging

import (
	"context"
	"log"
	"sync"

	"github.com/MyDira/Hadirot-sub006/identity"
	"github.com/google/uuid"
)

// Sender transmits one SMS and returns the transport message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// SentMessage is a message captured by LogSender.
type SentMessage struct {
	SID  string
	To   string
	Body string
}

// LogSender logs messages instead of sending them. Used with SMS_DRY_RUN.
type LogSender struct {
	mu   sync.Mutex
	sent []SentMessage
}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sid := "DRY" + uuid.NewString()
	log.Printf("SMS (dry run) to %s [%s]: %s", identity.MaskPhone(to), sid, body)

	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{SID: sid, To: to, Body: body})
	s.mu.Unlock()
	return sid, nil
}

// Sent returns a copy of everything sent so far.
func (s *LogSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
