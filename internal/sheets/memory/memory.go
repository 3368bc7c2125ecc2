package memory

import (
	"context"
	"fmt"
	"sync"

	"receiptflow/internal/core"
	ports "receiptflow/internal/sheets"
)

// Store is an in-process spreadsheet used when no Google sheet is configured
// and in tests.
type Store struct {
	mu       sync.Mutex
	rows     [][]any
	ids      []int64
	failNext error
}

var _ ports.ReceiptWriter = (*Store)(nil)

func New() *Store {
	return &Store{}
}

// AppendReceipt stores the rendered row and returns a synthetic reference.
func (s *Store) AppendReceipt(_ context.Context, r core.TrackedReceipt) (string, error) {
	if err := ports.Validate(r); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return "", err
	}
	s.rows = append(s.rows, ports.Row(r))
	s.ids = append(s.ids, r.Record.ID)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// FailNext arms a one-shot failure.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// IDs returns the exported receipt ids in write order.
func (s *Store) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...)
}

// Rows returns a copy of the written rows.
func (s *Store) Rows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]any, len(s.rows))
	for i, r := range s.rows {
		out[i] = append([]any(nil), r...)
	}
	return out
}
