package processor

import (
	"context"
	"sync"

	"github.com/gigstack/paycore/internal/idgen"
)

// MockClient is an in-memory processor for demo/development mode and
// tests. Transfers start pending; tests drive status changes.
type MockClient struct {
	mu          sync.Mutex
	transfers   map[string]*Transfer
	byIdemKey   map[string]string
	failCreates error
	created     int
}

// NewMockClient creates a new mock processor client.
func NewMockClient() *MockClient {
	return &MockClient{
		transfers: make(map[string]*Transfer),
		byIdemKey: make(map[string]string),
	}
}

// FailCreatesWith makes subsequent CreateTransfer calls return err.
// Pass nil to restore normal behavior.
func (m *MockClient) FailCreatesWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreates = err
}

func (m *MockClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreates != nil {
		return nil, m.failCreates
	}

	// Same idempotency key returns the original transfer.
	if req.IdempotencyKey != "" {
		if id, ok := m.byIdemKey[req.IdempotencyKey]; ok {
			cp := *m.transfers[id]
			return &cp, nil
		}
	}

	t := &Transfer{
		ID:          idgen.WithPrefix("tr_"),
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Destination: req.Destination,
		Status:      StatusPending,
	}
	m.transfers[t.ID] = t
	if req.IdempotencyKey != "" {
		m.byIdemKey[req.IdempotencyKey] = t.ID
	}
	m.created++

	cp := *t
	return &cp, nil
}

func (m *MockClient) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

// SetStatus moves a mock transfer to the given status.
func (m *MockClient) SetStatus(id string, status TransferStatus, failureCode, failureMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.transfers[id]; ok {
		t.Status = status
		t.FailureCode = failureCode
		t.FailureMessage = failureMessage
	}
}

// Created returns how many transfers were actually created.
func (m *MockClient) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Compile-time assertion that MockClient implements Client.
var _ Client = (*MockClient)(nil)
