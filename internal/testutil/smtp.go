package testutil

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// MemoryBackend is a simple in-memory SMTP backend for testing.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
}

// ReceivedMessage is a message accepted by the in-memory SMTP backend.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// NewMemoryBackend creates a new in-memory SMTP backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages: make([]*ReceivedMessage, 0),
	}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages
}

// ClearMessages clears all stored messages.
func (b *MemoryBackend) ClearMessages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make([]*ReceivedMessage, 0)
}

type memorySession struct {
	backend *MemoryBackend
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	// Accept any credentials for testing
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server   *smtp.Server
	Address  string
	Backend  *MemoryBackend
	cleanup  func()
	username string
	password string
}

// NewTestSMTPServer creates a new test SMTP server with an in-memory backend.
// The memory backend accepts any username/password combination for testing.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	be := NewMemoryBackend()

	s := smtp.NewServer(be)
	s.Addr = ":0" // Random port
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	cleanup := func() {
		if err := s.Close(); err != nil {
			t.Logf("Failed to close SMTP server: %v", err)
			return
		}
	}

	return &TestSMTPServer{
		Server:   s,
		Address:  addr,
		Backend:  be,
		cleanup:  cleanup,
		username: "test-user",
		password: "test-pass",
	}
}

// Close shuts down the test SMTP server.
func (s *TestSMTPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the test username.
func (s *TestSMTPServer) Username() string {
	return s.username
}

// Password returns the test password.
func (s *TestSMTPServer) Password() string {
	return s.password
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}

// ClearMessages clears all stored messages.
func (s *TestSMTPServer) ClearMessages() {
	s.Backend.ClearMessages()
}
