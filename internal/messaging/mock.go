package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentCall records one invocation of a MockSender operation.
type SentCall struct {
	Op          string
	Destination string
	Text        string
	MediaPath   string
	MediaType   string
}

// MockSender implements Sender for tests. It records every call and can be
// programmed to fail specific destinations or jobs.
type MockSender struct {
	mu    sync.Mutex
	calls []SentCall
	seq   int

	// FailWith, if set, is returned for every send until cleared.
	FailWith error
	// FailDestinations maps destinations to the error their sends return.
	FailDestinations map[string]error
}

// NewMockSender creates an empty mock sender.
func NewMockSender() *MockSender {
	return &MockSender{FailDestinations: make(map[string]error)}
}

// Calls returns a copy of the recorded calls.
func (m *MockSender) Calls() []SentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockSender) ValidateAndCanonicalizeRecipient(destination string) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	return destination, nil
}

func (m *MockSender) send(op, destination, text, mediaPath, mediaType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	if err, ok := m.FailDestinations[destination]; ok {
		return "", err
	}
	m.seq++
	m.calls = append(m.calls, SentCall{Op: op, Destination: destination, Text: text, MediaPath: mediaPath, MediaType: mediaType})
	return fmt.Sprintf("mock-%d", m.seq), nil
}

func (m *MockSender) SendText(ctx context.Context, destination, text string) (string, error) {
	return m.send("text", destination, text, "", "")
}

func (m *MockSender) SendImage(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	return m.send("image", destination, caption, mediaPath, mediaType)
}

func (m *MockSender) SendVideo(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	return m.send("video", destination, caption, mediaPath, mediaType)
}

func (m *MockSender) SendAudio(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	return m.send("audio", destination, caption, mediaPath, mediaType)
}

func (m *MockSender) SendDocument(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	return m.send("document", destination, caption, mediaPath, mediaType)
}

func (m *MockSender) Close() error {
	return nil
}
