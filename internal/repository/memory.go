package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

// MemoryStore is an in-process implementation of the escrow and event
// stores, used by tests and local runs without PostgreSQL. Conditional
// updates hold the same semantics as the SQL implementation.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]models.EscrowTransaction
	events       map[string][]models.EscrowEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]models.EscrowTransaction),
		events:       make(map[string][]models.EscrowEvent),
	}
}

func (s *MemoryStore) Save(ctx context.Context, tx *models.EscrowTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return nil
	}
	s.transactions[tx.ID] = *tx
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*models.EscrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := tx
	return &out, nil
}

func (s *MemoryStore) UpdateIfStatus(ctx context.Context, tx *models.EscrowTransaction, expected models.EscrowStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.transactions[tx.ID]
	if !ok || current.Status != expected {
		return false, nil
	}
	s.transactions[tx.ID] = *tx
	return true, nil
}

func (s *MemoryStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*models.EscrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EscrowTransaction
	for _, tx := range s.transactions {
		if tx.Status != models.StatusHeld || tx.HeldUntil == nil || tx.HeldUntil.After(now) {
			continue
		}
		copied := tx
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldUntil.Before(*out[j].HeldUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored transactions.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

func (s *MemoryStore) Append(ctx context.Context, event *models.EscrowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.TransactionID] = append(s.events[event.TransactionID], *event)
	return nil
}

func (s *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*models.EscrowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[transactionID]
	out := make([]*models.EscrowEvent, len(events))
	for i := range events {
		copied := events[i]
		out[i] = &copied
	}
	return out, nil
}
