package slip

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{"empty", nil, []byte{End, End}},
		{"plain", []byte{0x01, 0x02, 0x03}, []byte{End, 0x01, 0x02, 0x03, End}},
		{"end byte", []byte{0x01, End, 0x03}, []byte{End, 0x01, Esc, EscEnd, 0x03, End}},
		{"esc byte", []byte{0x01, Esc, 0x03}, []byte{End, 0x01, Esc, EscEsc, 0x03, End}},
		{"all special", []byte{End, Esc, End, Esc}, []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.input); !bytes.Equal(got, tt.want) {
				t.Errorf("Encode(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  []byte
	}{
		{"valid", []byte{End, 0x01, 0x02, End}, []byte{0x01, 0x02}},
		{"undelimited", []byte{0x01, 0x02}, []byte{0x01, 0x02}},
		{"escapes", []byte{End, Esc, EscEnd, Esc, EscEsc, End}, []byte{End, Esc}},
		{"repeated ends", []byte{End, End, 0x05, End, End}, []byte{0x05}},
		{"unknown escape", []byte{End, Esc, 0x42, End}, []byte{0x42}},
		{"empty", []byte{End, End}, nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decode(tt.frame); !bytes.Equal(got, tt.want) {
				t.Errorf("Decode(%v) = %v, want %v", tt.frame, got, tt.want)
			}
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	if got := Decode(Encode(data)); !bytes.Equal(got, data) {
		t.Errorf("Decode(Encode()) mismatch")
	}
}

func TestDecoder_SplitStream(t *testing.T) {
	a := []byte{0x01, End, 0x02}
	b := []byte{Esc, 0x03}
	stream := append([]byte{0x99, 0x98}, Encode(a)...) // leading garbage
	stream = append(stream, Encode(b)...)

	// Feed one byte at a time so frame and escape boundaries fall anywhere.
	var d Decoder
	var got [][]byte
	for i := range stream {
		got = append(got, d.Feed(stream[i:i+1])...)
	}
	if diff := cmp.Diff([][]byte{a, b}, got); diff != "" {
		t.Errorf("Feed() frames mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoder_Reset(t *testing.T) {
	var d Decoder
	if frames := d.Feed([]byte{End, 0x01, 0x02}); len(frames) != 0 {
		t.Fatalf("Feed() partial = %v, want none", frames)
	}
	d.Reset()
	// The tail of the dropped frame is garbage until the next END.
	frames := d.Feed([]byte{0x03, End, 0x04, End})
	if diff := cmp.Diff([][]byte{{0x04}}, frames); diff != "" {
		t.Errorf("Feed() after Reset mismatch (-want +got):\n%s", diff)
	}
}
