// Package session holds the state shared by every concurrent job: the
// current bearer credential and the compiled ruleset with its hash.
package session

import (
	"sync"

	"github.com/dragonfly-scan/dragonfly/auth"
	"github.com/dragonfly-scan/dragonfly/rules"
)

// Snapshot is a consistent view of the session.
//
// Rules and Hash always come from the same installation.
type Snapshot struct {
	Rules      *rules.Ruleset
	Hash       string
	Credential auth.Credential
}

// State is the shared session.
//
// Readers proceed concurrently; writers hold the lock only for the
// assignment. Nothing that blocks on the network should happen while the
// lock is held, so callers fetch first and install after.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns a State populated with an initial credential and ruleset.
func New(cred auth.Credential, hash string, rs *rules.Ruleset) *State {
	return &State{snap: Snapshot{
		Rules:      rs,
		Hash:       hash,
		Credential: cred,
	}}
}

// Load returns the current snapshot.
func (s *State) Load() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Credential returns the current credential.
func (s *State) Credential() auth.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Credential
}

// Hash returns the hash of the installed ruleset.
func (s *State) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Hash
}

// InstallCredential replaces the credential.
func (s *State) InstallCredential(c auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Credential = c
}

// InstallRuleset replaces the ruleset and its hash together.
func (s *State) InstallRuleset(hash string, rs *rules.Ruleset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Rules = rs
	s.snap.Hash = hash
}
