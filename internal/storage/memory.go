package storage

import (
	"context"
	"sync"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/pkg/covalue"
)

// MemoryStore is an in-process, map-of-maps backed Store for node and
// sync-engine tests, guarded by a single RWMutex — the same shape as the
// engine's in-memory ClusterEngine state, generalized from
// address->cluster-root to covalue->session->transactions.
type MemoryStore struct {
	mu       sync.RWMutex
	headers  map[string]covalue.Header
	sessions map[string]map[string]*SessionRecord // covalue id -> session id -> record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		headers:  make(map[string]covalue.Header),
		sessions: make(map[string]map[string]*SessionRecord),
	}
}

func (s *MemoryStore) WriteHeader(ctx context.Context, id covalue.ID, header covalue.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.headers[id.String()]; exists {
		return nil
	}
	s.headers[id.String()] = header
	return nil
}

func (s *MemoryStore) WriteTransactions(ctx context.Context, id covalue.ID, sessionID covalue.SessionID, afterIndex int, txs []covalue.Transaction, lastSignature crypto.Signature, signingPK crypto.SigningPublicKey) error {
	if len(txs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[id.String()]
	if !ok {
		byID = make(map[string]*SessionRecord)
		s.sessions[id.String()] = byID
	}
	rec, ok := byID[sessionID.String()]
	if !ok {
		rec = &SessionRecord{SigningPublicKey: signingPK}
		byID[sessionID.String()] = rec
	}

	// Append is idempotent: a batch that already landed (its first new
	// index is not exactly len(rec.Transactions)) is silently skipped
	// rather than re-appended or erroring, matching the Postgres
	// implementation's ON CONFLICT DO NOTHING.
	if afterIndex+1 != len(rec.Transactions) {
		return nil
	}
	rec.Transactions = append(rec.Transactions, txs...)
	if lastSignature != nil {
		rec.LastSignature = lastSignature
	}
	return nil
}

func (s *MemoryStore) ReadCoValue(ctx context.Context, id covalue.ID) (covalue.Header, map[string]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.headers[id.String()]
	if !ok {
		return covalue.Header{}, nil, ErrNotFound
	}
	out := make(map[string]SessionRecord)
	for sessID, rec := range s.sessions[id.String()] {
		txs := make([]covalue.Transaction, len(rec.Transactions))
		copy(txs, rec.Transactions)
		out[sessID] = SessionRecord{
			SigningPublicKey: rec.SigningPublicKey,
			Transactions:     txs,
			LastSignature:    rec.LastSignature,
		}
	}
	return header, out, nil
}

func (s *MemoryStore) ListCoValues(ctx context.Context) (<-chan covalue.ID, <-chan error) {
	ids := make(chan covalue.ID)
	errs := make(chan error, 1)

	s.mu.RLock()
	snapshot := make([]covalue.ID, 0, len(s.headers))
	for idStr := range s.headers {
		parsed, err := covalue.ParseID(idStr)
		if err != nil {
			s.mu.RUnlock()
			close(ids)
			errs <- err
			close(errs)
			return ids, errs
		}
		snapshot = append(snapshot, parsed)
	}
	s.mu.RUnlock()

	go func() {
		defer close(ids)
		defer close(errs)
		for _, id := range snapshot {
			select {
			case ids <- id:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return ids, errs
}
