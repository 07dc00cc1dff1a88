// Package tokens holds the readiness tokens that runners register once they
// can answer status queries.
package tokens

import "sync"

// Registry is a process-wide key -> token lookup safe for concurrent use.
// Keys are the run's session key concatenated with its controller address.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]string),
	}
}

// Key builds the lookup key a runner registers its token under
func Key(sessionKey, controller string) string {
	return sessionKey + controller
}

// Register stores token under key, replacing any previous value
func (r *Registry) Register(key, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[key] = token
}

// Lookup returns the token registered under key
func (r *Registry) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[key]
	return token, ok
}

// Remove drops the token registered under key
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, key)
}

// Len returns the number of registered tokens
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
