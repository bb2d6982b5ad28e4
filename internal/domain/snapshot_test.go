package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_SealAndVerify(t *testing.T) {
	first := Snapshot{AreaID: "a1", Version: 10, State: []byte("state-10")}
	first.Seal(nil)
	require.NoError(t, first.Verify())
	assert.Empty(t, first.PrevHash)

	second := Snapshot{AreaID: "a1", Version: 20, State: []byte("state-20")}
	second.Seal(first.Hash)
	require.NoError(t, second.Verify())
	require.NoError(t, second.VerifyLink(&first))
}

func TestSnapshot_VerifyDetectsTamperedState(t *testing.T) {
	s := Snapshot{AreaID: "a1", Version: 3, State: []byte("abc")}
	s.Seal(nil)
	s.State[0] = 'x'

	assert.ErrorIs(t, s.Verify(), ErrSnapshotCorrupt)
}

func TestSnapshot_VerifyLinkDetectsBrokenChain(t *testing.T) {
	first := Snapshot{AreaID: "a1", Version: 1, State: []byte("one")}
	first.Seal(nil)
	second := Snapshot{AreaID: "a1", Version: 2, State: []byte("two")}
	second.Seal([]byte("not-the-previous-hash"))

	assert.ErrorIs(t, second.VerifyLink(&first), ErrSnapshotCorrupt)
}

func TestSnapshot_VerifyDetectsRewrittenMetadata(t *testing.T) {
	seal := func() (Snapshot, Snapshot) {
		first := Snapshot{AreaID: "a1", Version: 1, RaftIndex: 4, RaftTerm: 1, State: []byte("one")}
		first.Seal(nil)
		second := Snapshot{AreaID: "a1", Version: 2, RaftIndex: 9, RaftTerm: 2, State: []byte("two")}
		second.Seal(first.Hash)
		return first, second
	}

	cases := map[string]func(s *Snapshot){
		"version":    func(s *Snapshot) { s.Version = 900 },
		"raft index": func(s *Snapshot) { s.RaftIndex = 77 },
		"raft term":  func(s *Snapshot) { s.RaftTerm = 5 },
		"area":       func(s *Snapshot) { s.AreaID = "a2" },
		"prev hash":  func(s *Snapshot) { s.PrevHash = []byte("other-history") },
	}
	for name, tamper := range cases {
		t.Run(name, func(t *testing.T) {
			first, second := seal()
			tamper(&first)
			assert.ErrorIs(t, first.Verify(), ErrSnapshotCorrupt)
			assert.ErrorIs(t, second.VerifyLink(&first), ErrSnapshotCorrupt)

			_, second = seal()
			tamper(&second)
			assert.ErrorIs(t, second.Verify(), ErrSnapshotCorrupt)
		})
	}
}

func TestSnapshot_VerifyLinkRejectsOutOfOrderVersions(t *testing.T) {
	first := Snapshot{AreaID: "a1", Version: 5, State: []byte("five")}
	first.Seal(nil)
	second := Snapshot{AreaID: "a1", Version: 5, State: []byte("again")}
	second.Seal(first.Hash)

	require.NoError(t, second.Verify())
	assert.ErrorIs(t, second.VerifyLink(&first), ErrSnapshotCorrupt)
}

func TestSnapshot_StateHashIgnoresChain(t *testing.T) {
	a := Snapshot{AreaID: "a1", Version: 3, RaftIndex: 7, State: []byte("same")}
	a.Seal(nil)
	b := a
	b.Seal([]byte("another-history"))

	assert.Equal(t, a.StateHash(), b.StateHash())
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestSnapshot_MarshalRoundTrip(t *testing.T) {
	s := Snapshot{
		AreaID:    "a1",
		Version:   7,
		RaftIndex: 19,
		RaftTerm:  3,
		State:     []byte("blob"),
		CreatedAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}
	s.Seal([]byte("prev"))

	got, err := UnmarshalSnapshot(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestLogEntry_SigningBytesIgnoreApplyFields(t *testing.T) {
	e := LogEntry{AreaID: "a1", ProposalID: "p1", Payload: []byte{1, 2}, Proposer: 5}
	before := e.SigningBytes()

	e.Seq = 9
	e.RaftIndex = 40
	e.RaftTerm = 2
	e.Signature = []byte("sig")

	assert.Equal(t, before, e.SigningBytes())
}
