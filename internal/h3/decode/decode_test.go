package decode

import (
	"bytes"
	"errors"
	"testing"
)

// arm prepares a decoder for one of the value shapes under test.
type arm func(d *Decoder)

// feedChunks consumes input in the given chunk sizes and returns the first completed
// result together with the total number of bytes consumed.
func feedChunks(t *testing.T, a arm, input []byte, sizes []int) (Result, int) {
	t.Helper()
	var d Decoder
	a(&d)
	consumed := 0
	for _, n := range sizes {
		c := NewCursor(input[consumed : consumed+n])
		r, err := d.Consume(c)
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		consumed += c.Offset()
		if r.Done() {
			return r, consumed
		}
		if c.Len() != 0 {
			t.Fatalf("in-progress decode left %d bytes unread", c.Len())
		}
	}
	return Result{Kind: InProgress}, consumed
}

func ones(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func TestDecoder_Varint(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  uint64
	}{
		{"one byte", []byte{0x25}, 37},
		{"two bytes", []byte{0x7b, 0xbd}, 15293},
		{"four bytes 16384", []byte{0x80, 0x00, 0x40, 0x00}, 16384},
		{"four bytes", []byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{"eight bytes 1<<30", []byte{0xc0, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}, 1 << 30},
		{"eight bytes", []byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole, n := feedChunks(t, (*Decoder).DecodeVarint, tt.input, []int{len(tt.input)})
			if whole.Kind != Uint || whole.Value != tt.want || n != len(tt.input) {
				t.Errorf("whole: got %+v consumed %d, want %d", whole, n, tt.want)
			}
			split, n := feedChunks(t, (*Decoder).DecodeVarint, tt.input, ones(len(tt.input)))
			if split.Kind != Uint || split.Value != tt.want || n != len(tt.input) {
				t.Errorf("bytewise: got %+v consumed %d, want %d", split, n, tt.want)
			}
		})
	}
}

func TestDecoder_FragmentationInvariance(t *testing.T) {
	tests := []struct {
		name  string
		arm   arm
		input []byte
	}{
		{"varint", (*Decoder).DecodeVarint, []byte{0xc0, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00}},
		{"uint4", func(d *Decoder) { d.DecodeUint(4) }, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"raw", func(d *Decoder) { d.Decode(5) }, []byte("hello")},
		{"vec2", func(d *Decoder) { d.DecodeVec(2) }, []byte{0x00, 0x03, 'a', 'b', 'c'}},
		{"vvec", (*Decoder).DecodeVVec, []byte{0x40, 0x04, 'w', 'x', 'y', 'z'}},
		{"ignore", func(d *Decoder) { d.Ignore(4) }, []byte{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, _ := feedChunks(t, tt.arm, tt.input, []int{len(tt.input)})
			if !want.Done() {
				t.Fatalf("single chunk did not complete")
			}
			// Every way of cutting the input into two or three pieces.
			for i := 0; i <= len(tt.input); i++ {
				for j := i; j <= len(tt.input); j++ {
					sizes := []int{i, j - i, len(tt.input) - j}
					got, n := feedChunks(t, tt.arm, tt.input, sizes)
					if got.Kind != want.Kind || got.Value != want.Value || !bytes.Equal(got.Bytes, want.Bytes) {
						t.Errorf("split %v: got %+v, want %+v", sizes, got, want)
					}
					if n != len(tt.input) {
						t.Errorf("split %v: consumed %d, want %d", sizes, n, len(tt.input))
					}
				}
			}
		})
	}
}

func TestDecoder_VecLeavesTrailingBytes(t *testing.T) {
	var d Decoder
	d.DecodeVec(1)
	c := NewCursor([]byte{0x03, 0x01, 0x02, 0x03, 0x04})
	r, err := d.Consume(c)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if r.Kind != Buffer || !bytes.Equal(r.Bytes, []byte{1, 2, 3}) {
		t.Errorf("got %+v, want Buffer([1 2 3])", r)
	}
	if !bytes.Equal(c.Rest(), []byte{0x04}) {
		t.Errorf("trailing bytes = %v, want [4]", c.Rest())
	}
	if !d.Idle() {
		t.Error("decoder should be idle after completing")
	}
}

func TestDecoder_ZeroLengthCompletesWithoutInput(t *testing.T) {
	var d Decoder
	d.Decode(0)
	r, err := d.Consume(NewCursor(nil))
	if err != nil || r.Kind != Buffer || len(r.Bytes) != 0 {
		t.Errorf("Decode(0): got %+v, %v", r, err)
	}

	d.DecodeVec(1)
	c := NewCursor([]byte{0x00, 0xff})
	r, err = d.Consume(c)
	if err != nil || r.Kind != Buffer || len(r.Bytes) != 0 {
		t.Errorf("DecodeVec zero prefix: got %+v, %v", r, err)
	}
	if c.Offset() != 1 {
		t.Errorf("zero prefix consumed %d bytes, want 1", c.Offset())
	}

	d.Ignore(0)
	r, err = d.Consume(NewCursor(nil))
	if err != nil || r.Kind != Ignored {
		t.Errorf("Ignore(0): got %+v, %v", r, err)
	}
}

func TestDecoder_IdleIsError(t *testing.T) {
	var d Decoder
	if _, err := d.Consume(NewCursor([]byte{1})); !errors.Is(err, ErrIdle) {
		t.Errorf("expected ErrIdle, got %v", err)
	}

	d.DecodeVarint()
	if _, err := d.Consume(NewCursor([]byte{0x01})); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if _, err := d.Consume(NewCursor([]byte{1})); !errors.Is(err, ErrIdle) {
		t.Errorf("expected ErrIdle after completion, got %v", err)
	}
}

func TestDecoder_IncompleteStaysArmed(t *testing.T) {
	var d Decoder
	d.DecodeUint(2)
	r, err := d.Consume(NewCursor(nil))
	if err != nil || r.Kind != InProgress {
		t.Fatalf("empty input: got %+v, %v", r, err)
	}
	r, _ = d.Consume(NewCursor([]byte{0x01}))
	if r.Kind != InProgress || d.Idle() {
		t.Fatalf("half input: got %+v idle=%v", r, d.Idle())
	}
	r, _ = d.Consume(NewCursor([]byte{0x02}))
	if r.Kind != Uint || r.Value != 0x0102 {
		t.Errorf("got %+v, want Uint(0x0102)", r)
	}
}

func TestDecoder_MinRemainingIsLowerBound(t *testing.T) {
	tests := []struct {
		name  string
		arm   arm
		input []byte
	}{
		{"varint8", (*Decoder).DecodeVarint, []byte{0xc0, 0, 0, 0, 0x40, 0, 0, 0}},
		{"varint2", (*Decoder).DecodeVarint, []byte{0x40, 0x25}},
		{"uint3", func(d *Decoder) { d.DecodeUint(3) }, []byte{1, 2, 3}},
		{"vec1", func(d *Decoder) { d.DecodeVec(1) }, []byte{3, 1, 2, 3}},
		{"vvec", (*Decoder).DecodeVVec, []byte{0x40, 0x02, 9, 9}},
		{"ignore", func(d *Decoder) { d.Ignore(3) }, []byte{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			tt.arm(&d)
			for i := range tt.input {
				truth := len(tt.input) - i
				if got := d.MinRemaining(); got > truth || got < 1 {
					t.Errorf("after %d bytes: MinRemaining() = %d, true remaining %d", i, got, truth)
				}
				r, err := d.Consume(NewCursor(tt.input[i : i+1]))
				if err != nil {
					t.Fatalf("Consume() error = %v", err)
				}
				if r.Done() != (i == len(tt.input)-1) {
					t.Fatalf("after %d bytes: done=%v", i+1, r.Done())
				}
			}
			if got := d.MinRemaining(); got != 0 {
				t.Errorf("idle MinRemaining() = %d, want 0", got)
			}
		})
	}
}

func TestDecoder_ReadsGuidedByMinRemainingNeverOverread(t *testing.T) {
	input := []byte{0x80, 0x00, 0x40, 0x00, 0xaa}
	var d Decoder
	d.DecodeVarint()
	off := 0
	for {
		n := d.MinRemaining()
		r, err := d.Consume(NewCursor(input[off : off+n]))
		if err != nil {
			t.Fatalf("Consume() error = %v", err)
		}
		off += n
		if r.Done() {
			if r.Value != 16384 {
				t.Errorf("value = %d, want 16384", r.Value)
			}
			break
		}
	}
	if off != 4 {
		t.Errorf("read %d bytes, want exactly 4", off)
	}
}

func TestDecoder_DecodeUintPanicsOnWideInt(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for width 9")
		}
	}()
	var d Decoder
	d.DecodeUint(9)
}

func TestDecoder_NegativeLengthPanics(t *testing.T) {
	tests := []struct {
		name string
		arm  func(d *Decoder)
	}{
		{"decode", func(d *Decoder) { d.Decode(-1) }},
		{"ignore", func(d *Decoder) { d.Ignore(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic for a negative length")
				}
			}()
			var d Decoder
			tt.arm(&d)
		})
	}
}
