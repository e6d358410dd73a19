package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vmmaster/vmmaster/internal/store"
)

const tokenCachePrefix = "vmmaster:cache:token:"

// TokenAuthenticator validates the X-Vmmaster-Api-Token header against
// User.Token, caching hits in Redis to keep the Store off the hot path.
type TokenAuthenticator struct {
	store *store.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewTokenAuthenticator builds a TokenAuthenticator. redisClient may be
// nil, in which case every request consults the store directly.
func NewTokenAuthenticator(st *store.Store, redisClient *redis.Client) *TokenAuthenticator {
	return &TokenAuthenticator{store: st, redis: redisClient, ttl: 5 * time.Minute}
}

type cachedIdentity struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) *Identity {
	token := r.Header.Get("X-Vmmaster-Api-Token")
	if token == "" {
		return nil
	}

	ctx := r.Context()
	if a.redis != nil {
		if id := a.fromCache(ctx, token); id != nil {
			return id
		}
	}

	user, err := a.store.GetUserByToken(ctx, token)
	if err != nil || !user.IsActive {
		return nil
	}

	id := &Identity{Username: user.Username, UserID: user.ID}
	if a.redis != nil {
		a.storeCache(ctx, token, id)
	}
	return id
}

func (a *TokenAuthenticator) fromCache(ctx context.Context, token string) *Identity {
	data, err := a.redis.Get(ctx, tokenCachePrefix+token).Bytes()
	if err != nil {
		return nil
	}
	var cached cachedIdentity
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	return &Identity{Username: cached.Username, UserID: cached.UserID}
}

func (a *TokenAuthenticator) storeCache(ctx context.Context, token string, id *Identity) {
	data, err := json.Marshal(cachedIdentity{Username: id.Username, UserID: id.UserID})
	if err != nil {
		return
	}
	_ = a.redis.Set(ctx, tokenCachePrefix+token, data, a.ttl).Err()
}
