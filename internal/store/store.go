// Package store is vmmaster's durable metadata layer: sessions, their
// request/reply log steps, users and the quotas attached to them. It is
// split into a MetadataStore interface and a Postgres implementation so
// a fake store can back unit tests without a database.
package store

import (
	"context"
	"fmt"

	"github.com/vmmaster/vmmaster/internal/domain"
)

// SessionFilter narrows ListSessions. A zero value matches everything.
type SessionFilter struct {
	User      string
	ActiveOnly bool
	Limit     int
}

// MetadataStore is the durable store behind sessions, log steps, users
// and platforms.
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id int64) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, id int64) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	AddLogStep(ctx context.Context, step *domain.LogStep) error
	SetLogStepScreenshot(ctx context.Context, logStepID int64, screenshot string) error
	AddSubStep(ctx context.Context, sub *domain.SubStep) error
	ListLogSteps(ctx context.Context, sessionID int64) ([]*domain.LogStep, error)
	ListSubSteps(ctx context.Context, logStepID int64) ([]*domain.SubStep, error)

	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByToken(ctx context.Context, token string) (*domain.User, error)
	SaveUser(ctx context.Context, u *domain.User) error
	SetUserToken(ctx context.Context, id int64, token string) error
	CountActiveSessions(ctx context.Context, username string) (int, error)
	CountStoredSessions(ctx context.Context, username string) (int, error)
	PruneOldestClosedSessions(ctx context.Context, username string, keep int) (int, error)

	GetPlatform(ctx context.Context, name string) (*domain.Platform, error)
	SavePlatform(ctx context.Context, p *domain.Platform) error
	ListPlatforms(ctx context.Context) ([]*domain.Platform, error)
}

// Store wraps a MetadataStore so callers depend on one type even though
// today there is a single backing implementation.
type Store struct {
	MetadataStore
}

// NewStore wraps meta in a Store.
func NewStore(meta MetadataStore) *Store {
	return &Store{MetadataStore: meta}
}

// Ping proxies to the underlying MetadataStore, erroring clearly if none
// is configured.
func (s *Store) Ping(ctx context.Context) error {
	if s.MetadataStore == nil {
		return fmt.Errorf("store: no metadata store configured")
	}
	return s.MetadataStore.Ping(ctx)
}

// Close proxies to the underlying MetadataStore.
func (s *Store) Close() error {
	if s.MetadataStore != nil {
		return s.MetadataStore.Close()
	}
	return nil
}
