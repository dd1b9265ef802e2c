package orchestrators

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"safetrail/internal/domain/account"
	"safetrail/internal/domain/guardian"
	"safetrail/internal/domain/outbox"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/telemetry"
	"safetrail/internal/domain/travel"
)

// --- Mock account store ---

type mockAccountStore struct {
	accounts map[string]account.Account
	saves    int
}

func newMockAccountStore(accts ...account.Account) *mockAccountStore {
	m := &mockAccountStore{accounts: make(map[string]account.Account)}
	for _, a := range accts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockAccountStore) GetByID(_ context.Context, id string) (account.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return account.Account{}, fmt.Errorf("account not found: %w", sql.ErrNoRows)
	}
	return a, nil
}

func (m *mockAccountStore) GetByEmail(_ context.Context, email string) (account.Account, error) {
	for _, a := range m.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return account.Account{}, fmt.Errorf("account not found: %w", sql.ErrNoRows)
}

func (m *mockAccountStore) Save(_ context.Context, a account.Account) error {
	m.saves++
	m.accounts[a.ID] = a
	return nil
}

// --- Mock link store ---

type mockLinkStore struct {
	links []guardian.Link
}

func (m *mockLinkStore) Save(_ context.Context, l guardian.Link) error {
	m.links = append(m.links, l)
	return nil
}

func (m *mockLinkStore) ListByWard(_ context.Context, wardID string) ([]guardian.Link, error) {
	var out []guardian.Link
	for _, l := range m.links {
		if l.WardID == wardID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockLinkStore) IsLinked(_ context.Context, guardianID, wardID string) (bool, error) {
	for _, l := range m.links {
		if l.GuardianID == guardianID && l.WardID == wardID {
			return true, nil
		}
	}
	return false, nil
}

// --- Mock reading store ---

type mockReadingStore struct {
	saved []telemetry.Reading
}

func (m *mockReadingStore) Save(_ context.Context, r telemetry.Reading) error {
	m.saved = append(m.saved, r)
	return nil
}

// --- Mock history and episode readers ---

type mockHistory struct {
	records map[string][]travel.HistoryRecord
	limit   int
}

func (m *mockHistory) ListHistory(_ context.Context, wardID string, limit int) ([]travel.HistoryRecord, error) {
	m.limit = limit
	return m.records[wardID], nil
}

type mockEpisodes map[string]sos.Episode

func (m mockEpisodes) GetEpisode(_ context.Context, id string) (sos.Episode, error) {
	e, ok := m[id]
	if !ok {
		return sos.Episode{}, sql.ErrNoRows
	}
	return e, nil
}

func (m mockEpisodes) ListByWard(_ context.Context, wardID string, limit int) ([]sos.Episode, error) {
	var out []sos.Episode
	for _, e := range m {
		if e.WardID == wardID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Mock outbox store ---

type mockOutboxStore struct {
	mu      sync.Mutex
	entries map[string]outbox.Entry
	order   []string
}

func newMockOutboxStore(entries ...outbox.Entry) *mockOutboxStore {
	m := &mockOutboxStore{entries: make(map[string]outbox.Entry)}
	for _, e := range entries {
		m.entries[e.ID] = e
		m.order = append(m.order, e.ID)
	}
	return m
}

func (m *mockOutboxStore) GetByID(_ context.Context, id string) (outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return outbox.Entry{}, sql.ErrNoRows
	}
	return e, nil
}

func (m *mockOutboxStore) Save(_ context.Context, e outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		m.order = append(m.order, e.ID)
	}
	m.entries[e.ID] = e
	return nil
}

func (m *mockOutboxStore) ListPending(_ context.Context, limit int) ([]outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status == outbox.StatusPending || e.Status == outbox.StatusRetrying {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
