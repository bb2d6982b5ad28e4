package ops

import (
	"errors"
	"testing"

	"areastate/internal/domain"
)

func TestDecodeEntry(t *testing.T) {
	e := domain.LogEntry{AreaID: "a1", ProposalID: "p1", Payload: []byte{1}, Proposer: 3}
	kind, body, err := DecodeEntry(EncodeChangeEntry(e))
	if err != nil || kind != EntryChange {
		t.Fatalf("DecodeEntry() = %v, %v", kind, err)
	}
	got, err := domain.UnmarshalLogEntry(body)
	if err != nil || got.ProposalID != "p1" || got.Proposer != 3 {
		t.Fatalf("entry body = %+v, %v", got, err)
	}

	kind, body, err = DecodeEntry(EncodeEntry(EntrySnapshotBarrier, nil))
	if err != nil || kind != EntrySnapshotBarrier || len(body) != 0 {
		t.Errorf("barrier = %v, %x, %v", kind, body, err)
	}

	for _, bad := range [][]byte{nil, {0}, {42, 1}} {
		if _, _, err := DecodeEntry(bad); !errors.Is(err, ErrUnknownEntry) {
			t.Errorf("DecodeEntry(%x) error = %v", bad, err)
		}
	}
}

func TestTruncateEntry(t *testing.T) {
	kind, body, err := DecodeEntry(EncodeTruncateEntry(Truncate{Version: 12, RaftIndex: 40}))
	if err != nil || kind != EntryTruncateBarrier {
		t.Fatalf("DecodeEntry() = %v, %v", kind, err)
	}
	tr, err := DecodeTruncate(body)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Version != 12 || tr.RaftIndex != 40 {
		t.Errorf("truncate = %+v", tr)
	}
}
