package stream

import (
	"bytes"
	"context"
	"testing"

	"github.com/FumingPower3925/h3stream/internal/mux"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		value string
		want  Priority
	}{
		{"", Priority{Urgency: 3}},
		{"u=0", Priority{Urgency: 0}},
		{"u=7, i", Priority{Urgency: 7, Incremental: true}},
		{"i=?1", Priority{Urgency: 3, Incremental: true}},
		{"u=2, i=?0", Priority{Urgency: 2}},
		{"u=9", Priority{Urgency: 3}},
		{"u=abc, i", Priority{Urgency: 3, Incremental: true}},
		{"u=1;x=y", Priority{Urgency: 1}},
		{"foo=bar, u=5", Priority{Urgency: 5}},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.value); got != tt.want {
			t.Errorf("ParsePriority(%q) = %+v, want %+v", tt.value, got, tt.want)
		}
	}
}

func TestSendOrder(t *testing.T) {
	prio := map[uint64]Priority{0: {Urgency: 3}, 4: {Urgency: 1}, 8: {Urgency: 3}, 12: {Urgency: 0}}
	ids := []uint64{8, 0, 4, 12}
	sendOrder(ids, func(id uint64) Priority { return prio[id] })
	want := []uint64{12, 4, 0, 8}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestProcessor_FlushHonorsUrgency(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 300)
	handler := HandlerFunc(func(_ context.Context, s *Stream) error {
		return s.ResponseWriter.WriteResponse(s.ID, 200, nil, body)
	})
	h := newHarness(t, handler, func(_ *Config, m *mux.Config) { m.MaxRecordPayload = 64 })

	h.send(
		mux.Record{StreamID: 0, Flags: mux.FlagFin, Payload: encodeRequest(t, append(getHeaders("/low"), [2]string{"priority", "u=6"}), nil)},
		mux.Record{StreamID: 4, Flags: mux.FlagFin, Payload: encodeRequest(t, append(getHeaders("/high"), [2]string{"priority", "u=0"}), nil)},
	)
	h.conn.Reset()

	if err := h.proc.Flush(); err != nil {
		t.Fatal(err)
	}
	var order []uint64
	rr := mux.NewRecordReader(0)
	if err := rr.Feed(h.conn.Bytes(), func(r mux.Record) error {
		order = append(order, r.StreamID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 4 || order[1] != 0 {
		t.Errorf("flush order = %v, want [4 0]", order)
	}
}
