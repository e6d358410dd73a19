package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
)

// MemStore is an in-process MetadataStore used by unit tests in place
// of Postgres.
type MemStore struct {
	mu sync.Mutex

	nextSessionID int64
	sessions      map[int64]*domain.Session

	nextStepID int64
	steps      map[int64]*domain.LogStep

	nextSubStepID int64
	subSteps      map[int64]*domain.SubStep

	nextUserID int64
	users      map[int64]*domain.User

	platforms map[string]*domain.Platform
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[int64]*domain.Session),
		steps:     make(map[int64]*domain.LogStep),
		subSteps:  make(map[int64]*domain.SubStep),
		users:     make(map[int64]*domain.User),
		platforms: make(map[string]*domain.Platform),
	}
}

func (m *MemStore) Close() error                        { return nil }
func (m *MemStore) Ping(ctx context.Context) error       { return nil }

func (m *MemStore) CreateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSessionID++
	s.ID = m.nextSessionID
	now := time.Now()
	s.CreatedAt = now
	s.ModifiedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id int64) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %d", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session not found: %d", s.ID)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if filter.User != "" && s.User != filter.User {
			continue
		}
		if filter.ActiveOnly && !s.Active() {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) AddLogStep(ctx context.Context, step *domain.LogStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStepID++
	step.ID = m.nextStepID
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

func (m *MemStore) SetLogStepScreenshot(ctx context.Context, logStepID int64, screenshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[logStepID]
	if !ok {
		return fmt.Errorf("log step not found: %d", logStepID)
	}
	step.Screenshot = screenshot
	return nil
}

func (m *MemStore) AddSubStep(ctx context.Context, sub *domain.SubStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubStepID++
	sub.ID = m.nextSubStepID
	cp := *sub
	m.subSteps[sub.ID] = &cp
	return nil
}

func (m *MemStore) ListLogSteps(ctx context.Context, sessionID int64) ([]*domain.LogStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.LogStep
	for _, step := range m.steps {
		if step.SessionID == sessionID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListSubSteps(ctx context.Context, logStepID int64) ([]*domain.SubStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SubStep
	for _, sub := range m.subSteps {
		if sub.LogStepID == logStepID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %d", id)
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", username)
}

func (m *MemStore) GetUserByToken(ctx context.Context, token string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Token == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user not found for token")
}

func (m *MemStore) SaveUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUserID++
		u.ID = m.nextUserID
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemStore) SetUserToken(ctx context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user not found: %d", id)
	}
	u.Token = token
	return nil
}

func (m *MemStore) CountActiveSessions(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.User == username && s.Active() {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CountStoredSessions(ctx context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.User == username && s.Closed {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) PruneOldestClosedSessions(ctx context.Context, username string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []*domain.Session
	for _, s := range m.sessions {
		if s.User == username && s.Closed {
			closed = append(closed, s)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].CreatedAt.After(closed[j].CreatedAt) })
	pruned := 0
	for i := keep; i < len(closed); i++ {
		delete(m.sessions, closed[i].ID)
		pruned++
	}
	return pruned, nil
}

func (m *MemStore) GetPlatform(ctx context.Context, name string) (*domain.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.platforms[name]
	if !ok {
		return nil, fmt.Errorf("platform not found: %s", name)
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) SavePlatform(ctx context.Context, p *domain.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.platforms[p.Name] = &cp
	return nil
}

func (m *MemStore) ListPlatforms(ctx context.Context) ([]*domain.Platform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Platform
	for _, p := range m.platforms {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
