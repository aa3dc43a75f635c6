// Package memory is an in-process store.Store used by tests and by
// single-node setups that keep tenant records elsewhere.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/tenant"
)

type Store struct {
	mu   sync.RWMutex
	recs map[string]tenant.Record
}

var _ store.Store = (*Store)(nil)

func New() *Store { return &Store{recs: make(map[string]tenant.Record)} }

func (s *Store) EnsureSchema(context.Context) error { return nil }
func (s *Store) Close() error                       { return nil }

func (s *Store) Get(_ context.Context, tenantID string) (tenant.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[tenantID]
	if !ok {
		return tenant.Record{}, tenant.ErrNotFound
	}
	return r, nil
}

func (s *Store) List(context.Context) ([]tenant.Record, error) {
	s.mu.RLock()
	out := make([]tenant.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, rec tenant.Record) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.recs[rec.TenantID]; ok {
		rec.DesiredState = cur.DesiredState
		rec.ProcessID = cur.ProcessID
		rec.CreatedAt = cur.CreatedAt
		if rec.DefaultVolume <= 0 {
			rec.DefaultVolume = store.DefaultVolume
		}
	} else {
		rec = store.Normalize(rec)
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.recs[rec.TenantID] = rec
	return nil
}

func (s *Store) SetDesiredState(_ context.Context, tenantID string, state tenant.DesiredState, processID string) error {
	return s.update(tenantID, func(r *tenant.Record) {
		r.DesiredState = state
		r.ProcessID = processID
	})
}

func (s *Store) SetCredential(_ context.Context, tenantID, envelope string) error {
	return s.update(tenantID, func(r *tenant.Record) { r.EncryptedCredential = envelope })
}

func (s *Store) update(tenantID string, fn func(*tenant.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[tenantID]
	if !ok {
		return tenant.ErrNotFound
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	s.recs[tenantID] = r
	return nil
}

func (s *Store) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	delete(s.recs, tenantID)
	s.mu.Unlock()
	return nil
}

func (s *Store) Counts(context.Context) (store.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := store.Counts{Total: len(s.recs)}
	for _, r := range s.recs {
		switch r.DesiredState {
		case tenant.DesiredRunning:
			c.DesiredRunning++
		case tenant.DesiredStopped:
			c.DesiredStopped++
		}
	}
	return c, nil
}
