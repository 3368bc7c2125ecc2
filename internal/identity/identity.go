// Package identity decides which credential an outgoing request carries:
// the bearer token of a logged-in user, or a locally generated anonymous
// session id.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"receiptflow/internal/core"
	applog "receiptflow/internal/log"
)

// Keys of the persisted local state
const (
	KeyAuthToken          = "auth_token"
	KeyUser               = "user"
	KeyAnonymousSessionID = "anonymous_session_id"
)

const (
	randomSuffixLen = 9
	alphabet        = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var ErrNotLoggedIn = errors.New("not logged in")

// Store is the persistence capability the resolver needs. SetIfAbsent must be
// atomic so that two processes racing on an empty store agree on one id.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	SetIfAbsent(ctx context.Context, key, value string) (stored string, err error)
	Delete(ctx context.Context, keys ...string) error
}

type Resolver struct {
	store  Store
	now    func() time.Time
	logger *applog.Logger
}

func NewResolver(store Store, logger *applog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		now:    time.Now,
		logger: logger.WithComponent(applog.ComponentIdentity),
	}
}

// Resolve returns the credential for the next request. A stored token wins;
// otherwise the anonymous session id is read or created. Storage failures
// degrade to a fresh, unpersisted anonymous id.
func (r *Resolver) Resolve(ctx context.Context) (core.Identity, error) {
	token, ok, err := r.store.Get(ctx, KeyAuthToken)
	if err != nil {
		r.logger.WarnContext(ctx, "Local state unavailable, using transient anonymous session", "error", err)
		id, genErr := r.newSessionID()
		if genErr != nil {
			return core.Identity{}, genErr
		}
		return core.Identity{SessionID: id}, nil
	}
	if ok && token != "" {
		return core.Identity{Token: token}, nil
	}

	id, err := r.SessionID(ctx)
	if err != nil {
		return core.Identity{}, err
	}
	return core.Identity{SessionID: id}, nil
}

// SessionID returns the persisted anonymous session id, creating it on first use.
func (r *Resolver) SessionID(ctx context.Context) (string, error) {
	existing, ok, err := r.store.Get(ctx, KeyAnonymousSessionID)
	if err == nil && ok && existing != "" {
		return existing, nil
	}

	candidate, genErr := r.newSessionID()
	if genErr != nil {
		return "", genErr
	}
	if err != nil {
		r.logger.WarnContext(ctx, "Local state unavailable, using transient anonymous session", "error", err)
		return candidate, nil
	}

	stored, err := r.store.SetIfAbsent(ctx, KeyAnonymousSessionID, candidate)
	if err != nil {
		r.logger.WarnContext(ctx, "Could not persist anonymous session", "error", err)
		return candidate, nil
	}
	if stored == candidate {
		r.logger.InfoContext(ctx, "Created anonymous session", applog.FieldSessionID, stored)
	}
	return stored, nil
}

// Login stores the bearer token and the user profile.
func (r *Resolver) Login(ctx context.Context, token string, user core.User) error {
	if token == "" {
		return errors.New("empty token")
	}
	profile, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := r.store.Set(ctx, KeyAuthToken, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if err := r.store.Set(ctx, KeyUser, string(profile)); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	r.logger.InfoContext(ctx, "Logged in", "user_id", user.ID)
	return nil
}

// CurrentUser returns the cached profile of the logged-in user.
func (r *Resolver) CurrentUser(ctx context.Context) (core.User, error) {
	raw, ok, err := r.store.Get(ctx, KeyUser)
	if err != nil {
		return core.User{}, fmt.Errorf("read user: %w", err)
	}
	if !ok {
		return core.User{}, ErrNotLoggedIn
	}
	var u core.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return core.User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

// Logout clears the token, the cached profile and the anonymous session.
func (r *Resolver) Logout(ctx context.Context) error {
	if err := r.store.Delete(ctx, KeyAuthToken, KeyUser, KeyAnonymousSessionID); err != nil {
		return fmt.Errorf("clear local state: %w", err)
	}
	r.logger.InfoContext(ctx, "Local credentials cleared")
	return nil
}

func (r *Resolver) newSessionID() (string, error) {
	suffix, err := randomAlphanumeric(randomSuffixLen)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return core.AnonymousPrefix + strconv.FormatInt(r.now().UnixMilli(), 10) + "_" + suffix, nil
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
