// Package sessions tracks which account each live session is currently bound to.
package sessions

import "sync"

// Directory maps live session identifiers to an account
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]string
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		accounts: make(map[string]string),
	}
}

// Bind binds a session to an account. Rebinding replaces the previous account.
func (d *Directory) Bind(sessionID, account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[sessionID] = account
}

// Unbind forgets a session
func (d *Directory) Unbind(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accounts, sessionID)
}

// Account returns the account a session is bound to
func (d *Directory) Account(sessionID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.accounts[sessionID]
	return account, ok
}

// Sessions returns a snapshot of all live sessions and their accounts
func (d *Directory) Sessions() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snapshot := make(map[string]string, len(d.accounts))
	for id, account := range d.accounts {
		snapshot[id] = account
	}
	return snapshot
}

// SessionsFor returns the sessions currently bound to account
func (d *Directory) SessionsFor(account string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, bound := range d.accounts {
		if bound == account {
			ids = append(ids, id)
		}
	}
	return ids
}
