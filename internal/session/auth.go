package session

import "sync"

// AuthContext tracks one connection's authentication state: username is
// written during startup negotiation, before the relay tasks start
// (observed from the client's StartupMessage); authenticated is written
// only by the backward task (observed from the backend's AuthenticationOk).
// Both relay tasks read the two fields through pipeline.Run. The mutex
// exists because the two tasks run as separate goroutines and may execute
// on different OS threads.
type AuthContext struct {
	mu            sync.RWMutex
	authenticated bool
	username      *string
}

// NewAuthContext returns a context in the initial {false, none} state.
func NewAuthContext() *AuthContext {
	return &AuthContext{}
}

// Authenticated implements pipeline.AuthView.
func (a *AuthContext) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// Username implements pipeline.AuthView.
func (a *AuthContext) Username() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.username == nil {
		return "", false
	}
	return *a.username, true
}

func (a *AuthContext) setUsername(u string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = &u
}

func (a *AuthContext) setAuthenticated() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authenticated = true
}
