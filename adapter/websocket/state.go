package websocket

import (
	"sync"
)

// AccountState holds what the handshake learns about the trading account.
// Handlers write it from the receive loop; trade calls read it from caller goroutines.
type AccountState struct {
	accessToken string

	mu         sync.RWMutex
	accountID  int64
	hasAccount bool
	symbolIDs  map[string]int64
}

// NewAccountState returns state with no account and no symbols
func NewAccountState(accessToken string) *AccountState {
	return &AccountState{
		accessToken: accessToken,
		symbolIDs:   make(map[string]int64),
	}
}

// AccessToken is fixed for the lifetime of the state
func (s *AccountState) AccessToken() string {
	return s.accessToken
}

// AccountID returns the resolved ctidTraderAccountId; ok is false until resolved
func (s *AccountState) AccountID() (id int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID, s.hasAccount
}

// SetAccountID records the account chosen from the accounts-by-token response
func (s *AccountState) SetAccountID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = id
	s.hasAccount = true
}

// SymbolID looks up a normalized symbol name
func (s *AccountState) SymbolID(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.symbolIDs[name]
	return id, ok
}

// SetSymbolID records the id of a whitelisted symbol
func (s *AccountState) SetSymbolID(name string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolIDs[name] = id
}

// Symbols returns a copy of the name to id map
func (s *AccountState) Symbols() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.symbolIDs))
	for name, id := range s.symbolIDs {
		out[name] = id
	}
	return out
}

// Reset forgets the account and symbols; the access token is kept
func (s *AccountState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountID = 0
	s.hasAccount = false
	s.symbolIDs = make(map[string]int64)
}
