// Package session maps an authenticated OS login to the internal user id
// every other component keys state by, binding the two permanently at
// first registration (spec.md §4.1 "session").
package session

import (
	"sync"

	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/rs/zerolog"
)

// Registry resolves a login to its internal user id, registering it on
// first sight. It is a thin cache in front of the store so repeated
// lookups within a connection's lifetime don't round-trip a transaction.
type Registry struct {
	store  store.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	byLog map[string]string // login -> user id
}

// New creates a session Registry backed by st.
func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		byLog: make(map[string]string),
		logger: log.WithComponent("session"),
	}
}

// Open authenticates login, registering it as a new user the first time it
// is seen, and returns the internal user id to use for every subsequent
// store/engine/resolver/transfer call in this connection.
func (r *Registry) Open(login string) (string, error) {
	r.mu.RLock()
	if id, ok := r.byLog[login]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	user, err := r.store.RegisterUser(login)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.byLog[login] = user.ID
	r.mu.Unlock()

	r.logger.Debug().Str("login", login).Str("user_id", user.ID).Msg("session opened")
	return user.ID, nil
}
