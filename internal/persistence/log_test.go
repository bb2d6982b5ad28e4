package persistence

import (
	"testing"

	"areastate/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(area domain.AreaID, seq uint64) domain.LogEntry {
	return domain.LogEntry{
		AreaID:     area,
		ProposalID: "p",
		Seq:        seq,
		Payload:    []byte{byte(seq)},
		Proposer:   1,
		RaftIndex:  seq + 10,
	}
}

func TestLogStore_AppendLoadAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenLogStore(dir, true)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendLog("a1", entry("a1", seq)))
	}
	require.NoError(t, s.AppendLog("a2", entry("a2", 1)))
	require.NoError(t, s.Close())

	s, err = OpenLogStore(dir, true)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadLog("a1")
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	require.NoError(t, s.AppendLog("a1", entry("a1", 6)))
}

func TestLogStore_RejectsGaps(t *testing.T) {
	s, err := OpenLogStore(t.TempDir(), true)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendLog("a1", entry("a1", 1)))
	assert.ErrorIs(t, s.AppendLog("a1", entry("a1", 3)), ErrOutOfOrder)
	assert.ErrorIs(t, s.AppendLog("a1", entry("a1", 1)), ErrOutOfOrder)
}

func TestLogStore_TruncateKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLogStore(dir, true)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, s.AppendLog("a1", entry("a1", seq)))
	}

	require.NoError(t, s.TruncateLog("a1", 6))
	got, err := s.LoadLog("a1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(7), got[0].Seq)

	require.NoError(t, s.TruncateLog("a1", 100))
	got, err = s.LoadLog("a1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(10), got[0].Seq)
	require.NoError(t, s.Close())

	s, err = OpenLogStore(dir, true)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.AppendLog("a1", entry("a1", 11)))
}

func TestLogStore_ResetStartsAfterSnapshot(t *testing.T) {
	s, err := OpenLogStore(t.TempDir(), true)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendLog("a1", entry("a1", 1)))
	require.NoError(t, s.ResetLog("a1", 40))

	got, err := s.LoadLog("a1")
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, s.AppendLog("a1", entry("a1", 2)), ErrOutOfOrder)
	require.NoError(t, s.AppendLog("a1", entry("a1", 41)))

	got, err = s.LoadLog("a1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(41), got[0].Seq)
}
