package instruction

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
)

// MemoryStore keeps instruction state in process memory. It backs tests
// and the single-node deployment.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Instruction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Instruction)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, in *Instruction) error {
	if in == nil || strings.TrimSpace(in.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "instruction ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[in.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	in.CreatedAt = now
	in.UpdatedAt = now
	s.records[in.ID] = cloneInstruction(in)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstruction(in), nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, id string) (*Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch in.Status {
	case StatusApplied, StatusRejected:
		return cloneInstruction(in), ErrCompleted
	case StatusApplying:
		return cloneInstruction(in), ErrConflict
	}
	if in.Attempts >= in.MaxRetries {
		return cloneInstruction(in), ErrExhausted
	}
	in.Status = StatusApplying
	in.Attempts++
	in.LastError = ""
	in.ErrorCode = ""
	in.UpdatedAt = time.Now().Unix()
	return cloneInstruction(in), nil
}

// MarkApplied implements Store.
func (s *MemoryStore) MarkApplied(_ context.Context, id string, receipt vault.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = StatusApplied
	in.Receipt = &receipt
	in.LastError = ""
	in.ErrorCode = ""
	in.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRejected implements Store.
func (s *MemoryStore) MarkRejected(_ context.Context, id string, code xerrors.Code, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = StatusRejected
	in.LastError = lastError
	in.ErrorCode = string(code)
	in.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = StatusFailed
	if terminal {
		// A terminal failure burns the rest of the retry budget.
		in.Attempts = in.MaxRetries
	}
	in.LastError = lastError
	in.ErrorCode = string(code)
	in.UpdatedAt = time.Now().Unix()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Instruction, error) {
	opts.applyDefaults()

	s.mu.RLock()
	matched := make([]*Instruction, 0, len(s.records))
	for _, in := range s.records {
		if !matches(in, opts) {
			continue
		}
		matched = append(matched, cloneInstruction(in))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.ID < b.ID
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*Instruction{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, in := range s.records {
		if !matches(in, opts) {
			continue
		}
		stats.Total++
		switch in.Status {
		case StatusPending:
			stats.Pending++
		case StatusApplying:
			stats.Applying++
		case StatusApplied:
			stats.Applied++
		case StatusRejected:
			stats.Rejected++
		case StatusFailed:
			stats.Failed++
		}
		if stats.OldestUpdatedAt == 0 || in.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = in.UpdatedAt
		}
		if in.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = in.UpdatedAt
		}
	}
	return stats, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func matches(in *Instruction, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if in.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		found := false
		for _, kind := range opts.Kinds {
			if in.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Signer != nil && in.Signer != *opts.Signer {
		return false
	}
	if opts.UpdatedGTE > 0 && in.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && in.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
