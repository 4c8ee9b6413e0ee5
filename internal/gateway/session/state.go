// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package session holds the resumable identity of a shard and optional
// external persistence for it.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSequenceRegression is returned when a dispatch sequence goes backwards
// within an active session.
var ErrSequenceRegression = errors.New("dispatch sequence regressed")

// Snapshot is everything a resume attempt needs.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	ResumeURL string    `json:"resume_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the in-memory session of one shard. Only the shard loop mutates it;
// the lock exists for concurrent snapshot readers.
type State struct {
	mu        sync.RWMutex
	id        string
	seq       uint64
	hasSeq    bool
	resumeURL string
	updatedAt time.Time
	now       func() time.Time
}

// NewState returns an empty state.
func NewState() *State {
	return &State{now: time.Now}
}

// RecordDispatch stores the sequence of a dispatch frame. Frames must be
// recorded in receipt order; a lower sequence than the last one is an error.
func (s *State) RecordDispatch(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSeq && seq < s.seq {
		return fmt.Errorf("%w: got %d after %d", ErrSequenceRegression, seq, s.seq)
	}
	s.seq = seq
	s.hasSeq = true
	s.updatedAt = s.now()
	return nil
}

// Establish records a new session id (READY). The sequence is left to RecordDispatch.
func (s *State) Establish(id, resumeURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	if resumeURL != "" {
		s.resumeURL = resumeURL
	}
	s.updatedAt = s.now()
}

// SetResumeURL records a resume address announced outside READY.
func (s *State) SetResumeURL(url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	s.resumeURL = url
	s.mu.Unlock()
}

// Sequence returns the last recorded sequence, if any.
func (s *State) Sequence() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, s.hasSeq
}

// ID returns the current session id, empty if none.
func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Snapshot returns resume data, or false if no session has been established.
func (s *State) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.id == "" || !s.hasSeq {
		return Snapshot{}, false
	}
	return Snapshot{SessionID: s.id, Sequence: s.seq, ResumeURL: s.resumeURL, UpdatedAt: s.updatedAt}, true
}

// Invalidate clears id, sequence and resume address together.
func (s *State) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.seq = 0
	s.hasSeq = false
	s.resumeURL = ""
	s.updatedAt = s.now()
}

// Restore seeds the state from a persisted snapshot. Empty snapshots are ignored.
func (s *State) Restore(snap Snapshot) {
	if snap.SessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = snap.SessionID
	s.seq = snap.Sequence
	s.hasSeq = true
	s.resumeURL = snap.ResumeURL
	s.updatedAt = snap.UpdatedAt
}
