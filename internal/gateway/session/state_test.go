// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SnapshotRequiresIDAndSequence(t *testing.T) {
	s := NewState()
	_, ok := s.Snapshot()
	assert.False(t, ok)

	s.Establish("abc", "wss://resume.example")
	_, ok = s.Snapshot()
	assert.False(t, ok, "no dispatch recorded yet")

	require.NoError(t, s.RecordDispatch(1))
	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "abc", snap.SessionID)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, "wss://resume.example", snap.ResumeURL)
}

func TestState_RecordDispatchOrdering(t *testing.T) {
	s := NewState()
	require.NoError(t, s.RecordDispatch(5))
	require.NoError(t, s.RecordDispatch(5), "equal sequence is allowed")
	require.NoError(t, s.RecordDispatch(9))

	err := s.RecordDispatch(3)
	require.ErrorIs(t, err, ErrSequenceRegression)

	seq, ok := s.Sequence()
	assert.True(t, ok)
	assert.Equal(t, uint64(9), seq)
}

func TestState_InvalidateClearsEverything(t *testing.T) {
	s := NewState()
	s.Establish("abc", "wss://resume.example")
	require.NoError(t, s.RecordDispatch(42))

	s.Invalidate()

	_, ok := s.Snapshot()
	assert.False(t, ok)
	_, ok = s.Sequence()
	assert.False(t, ok)
	assert.Empty(t, s.ID())

	// a fresh session may start from any sequence
	require.NoError(t, s.RecordDispatch(1))
}

func TestState_Restore(t *testing.T) {
	s := NewState()
	s.Restore(Snapshot{})
	_, ok := s.Snapshot()
	assert.False(t, ok)

	s.Restore(Snapshot{SessionID: "xyz", Sequence: 77, ResumeURL: "wss://r"})
	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(77), snap.Sequence)
	assert.Equal(t, "wss://r", snap.ResumeURL)
}

func TestState_SetResumeURLIgnoresEmpty(t *testing.T) {
	s := NewState()
	s.Establish("abc", "wss://first")
	s.SetResumeURL("")
	s.Establish("abc", "")
	require.NoError(t, s.RecordDispatch(1))
	snap, _ := s.Snapshot()
	assert.Equal(t, "wss://first", snap.ResumeURL)

	s.SetResumeURL("wss://second")
	snap, _ = s.Snapshot()
	assert.Equal(t, "wss://second", snap.ResumeURL)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "shard-3-16", Key(3, 16))
}
