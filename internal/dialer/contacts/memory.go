package contacts

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory Store used by tests and development runs.
type MemoryStore struct {
	mu           sync.Mutex
	nextID       int64
	destinations map[string][]*memoryDest // campaignID -> ordered destinations
	blacklist    map[string]bool
	attempts     map[string][]AttemptRecord // campaignID -> records
	campaigns    map[string]CampaignRecord
}

type memoryDest struct {
	dest      Destination
	attempted bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		destinations: make(map[string][]*memoryDest),
		blacklist:    make(map[string]bool),
		attempts:     make(map[string][]AttemptRecord),
		campaigns:    make(map[string]CampaignRecord),
	}
}

// AddDestinations implements Store.
func (m *MemoryStore) AddDestinations(ctx context.Context, campaignID string, raw []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, r := range raw {
		number, err := Normalize(r)
		if err != nil {
			continue
		}
		m.nextID++
		m.destinations[campaignID] = append(m.destinations[campaignID], &memoryDest{
			dest: Destination{
				ID:         m.nextID,
				CampaignID: campaignID,
				Raw:        r,
				Number:     number,
			},
		})
		added++
	}
	return added, nil
}

// HasEligible implements Store.
func (m *MemoryStore) HasEligible(ctx context.Context, campaignID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.destinations[campaignID] {
		if !d.attempted && !m.blacklist[d.dest.Number] {
			return true, nil
		}
	}
	return false, nil
}

// ClaimNext implements Store.
func (m *MemoryStore) ClaimNext(ctx context.Context, campaignID string) (*Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.destinations[campaignID] {
		if d.attempted || m.blacklist[d.dest.Number] {
			continue
		}
		d.attempted = true
		dest := d.dest
		return &dest, nil
	}
	return nil, ErrNoDestinations
}

// ResetRun implements Store.
func (m *MemoryStore) ResetRun(ctx context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.destinations[campaignID] {
		d.attempted = false
	}
	return nil
}

// Blacklist implements Store.
func (m *MemoryStore) Blacklist(ctx context.Context, number string) error {
	normalized, err := Normalize(number)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[normalized] = true
	return nil
}

// SaveCampaign implements Store.
func (m *MemoryStore) SaveCampaign(ctx context.Context, rec CampaignRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[rec.ID] = rec
	return nil
}

// SetCampaignStatus implements Store.
func (m *MemoryStore) SetCampaignStatus(ctx context.Context, campaignID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.campaigns[campaignID]
	if !ok {
		return nil
	}
	rec.Status = status
	m.campaigns[campaignID] = rec
	return nil
}

// Campaigns implements Store.
func (m *MemoryStore) Campaigns(ctx context.Context) ([]CampaignRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CampaignRecord, 0, len(m.campaigns))
	for _, rec := range m.campaigns {
		out = append(out, rec)
	}
	return out, nil
}

// RecordAttempt implements Store.
func (m *MemoryStore) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.attempts[rec.CampaignID]
	for i, existing := range records {
		if existing.ID == rec.ID {
			records[i] = rec
			return nil
		}
	}
	m.attempts[rec.CampaignID] = append(records, rec)
	return nil
}

// Attempts implements Store.
func (m *MemoryStore) Attempts(ctx context.Context, campaignID string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AttemptRecord(nil), m.attempts[campaignID]...), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
