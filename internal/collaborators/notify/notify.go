// Package notify abstracts the notification collaborator informing users
// and companies about consent and match events.
package notify

import (
	"context"
	"sync"
)

// Notification is one outbound message.
type Notification struct {
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers notifications. Delivery is at-least-once; recipients must
// tolerate duplicates from job retries.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// DevSender records notifications in memory for development and tests.
type DevSender struct {
	mu   sync.Mutex
	sent []Notification

	// Fail, when non-nil, is returned by every Send call.
	Fail error
}

func NewDevSender() *DevSender {
	return &DevSender{}
}

func (s *DevSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.sent = append(s.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (s *DevSender) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}
