package frame

import (
	"errors"
	"testing"
)

// chunkReader hands out pre-split reads; fin is reported with the last chunk.
type chunkReader struct {
	chunks [][]byte
	fin    bool
	reads  int
}

func (r *chunkReader) Read(_ uint64, p []byte) (int, bool, error) {
	r.reads++
	if len(r.chunks) == 0 {
		return 0, r.fin, nil
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, r.fin && len(r.chunks) == 0, nil
}

func TestHeaderReader_ReadsOnlyTheHeader(t *testing.T) {
	wire := AppendHeader(nil, TypeHeaders, 300)
	wire = append(wire, 0xaa, 0xbb)
	r := &chunkReader{chunks: [][]byte{wire}}

	hr := NewHeaderReader(DefaultLimits())
	fin, err := hr.Receive(r, 0)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if fin || !hr.Done() {
		t.Fatalf("fin=%v done=%v, want header complete", fin, hr.Done())
	}
	f, err := hr.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if f.Kind != KindHeaders || f.Length != 300 {
		t.Errorf("got %v, want HEADERS{len=300}", f)
	}
	if len(r.chunks) != 1 || len(r.chunks[0]) != 2 {
		t.Errorf("payload bytes were consumed: %v", r.chunks)
	}
}

func TestHeaderReader_ByteAtATime(t *testing.T) {
	wire := AppendHeader(nil, TypeData, 1<<20)
	var chunks [][]byte
	for _, b := range wire {
		chunks = append(chunks, []byte{b})
	}
	hr := NewHeaderReader(DefaultLimits())
	for i := range chunks {
		r := &chunkReader{chunks: [][]byte{chunks[i]}}
		if _, err := hr.Receive(r, 0); err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if hr.Done() != (i == len(chunks)-1) {
			t.Fatalf("after %d bytes done=%v", i+1, hr.Done())
		}
		if !hr.Started() {
			t.Fatal("Started() should be true once a byte was read")
		}
	}
	f, err := hr.Frame()
	if err != nil || f.Kind != KindData || f.Length != 1<<20 {
		t.Errorf("got %v, %v", f, err)
	}
}

func TestHeaderReader_Kinds(t *testing.T) {
	tests := []struct {
		typ  Type
		want Kind
	}{
		{TypeData, KindData},
		{TypeHeaders, KindHeaders},
		{TypeCancelPush, KindCancelPush},
		{TypeSettings, KindSettings},
		{TypePushPromise, KindPushPromise},
		{TypeGoAway, KindGoAway},
		{TypeMaxPushID, KindMaxPushID},
		{0x21, KindUnsupported},
		{0x2, KindUnsupported},
	}
	for _, tt := range tests {
		hr := NewHeaderReader(DefaultLimits())
		r := &chunkReader{chunks: [][]byte{AppendHeader(nil, tt.typ, 7)}}
		if _, err := hr.Receive(r, 0); err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		f, err := hr.Frame()
		if err != nil {
			t.Fatalf("Frame() error = %v", err)
		}
		if f.Kind != tt.want || f.Type != tt.typ {
			t.Errorf("type 0x%x: got %v, want kind %v", uint64(tt.typ), f, tt.want)
		}
	}
}

func TestHeaderReader_IncompleteAndFin(t *testing.T) {
	hr := NewHeaderReader(DefaultLimits())
	if _, err := hr.Frame(); !errors.Is(err, ErrFrameIncomplete) {
		t.Errorf("expected ErrFrameIncomplete, got %v", err)
	}
	if hr.Started() {
		t.Error("fresh reader should not be started")
	}

	r := &chunkReader{chunks: [][]byte{{0x01}}, fin: true}
	fin, err := hr.Receive(r, 0)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !fin || hr.Done() {
		t.Errorf("fin=%v done=%v, want fin with incomplete header", fin, hr.Done())
	}
}

func TestHeaderReader_HeadersLimit(t *testing.T) {
	hr := NewHeaderReader(Limits{MaxHeadersLength: 16, MaxDataLength: 16})
	r := &chunkReader{chunks: [][]byte{AppendHeader(nil, TypeHeaders, 17)}}
	if _, err := hr.Receive(r, 0); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if _, err := hr.Frame(); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestHeaderReader_Reset(t *testing.T) {
	wire := AppendHeader(nil, TypeHeaders, 0)
	wire = AppendHeader(wire, TypeData, 4)
	r := &chunkReader{chunks: [][]byte{wire}}
	hr := NewHeaderReader(DefaultLimits())

	if _, err := hr.Receive(r, 0); err != nil {
		t.Fatal(err)
	}
	first, _ := hr.Frame()
	hr.Reset()
	if _, err := hr.Receive(r, 0); err != nil {
		t.Fatal(err)
	}
	second, _ := hr.Frame()
	if first.Kind != KindHeaders || second.Kind != KindData || second.Length != 4 {
		t.Errorf("got %v then %v", first, second)
	}
}

func TestHeaderLen(t *testing.T) {
	if got := HeaderLen(TypeData, 63); got != 2 {
		t.Errorf("HeaderLen(DATA, 63) = %d, want 2", got)
	}
	if got := HeaderLen(TypeData, 64); got != 3 {
		t.Errorf("HeaderLen(DATA, 64) = %d, want 3", got)
	}
	if got := len(AppendHeader(nil, TypeHeaders, 16384)); got != HeaderLen(TypeHeaders, 16384) {
		t.Errorf("AppendHeader length %d disagrees with HeaderLen", got)
	}
}
