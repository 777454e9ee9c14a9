package wire

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    uint64
		n    int
	}{
		{"zero", 0, 1},
		{"one_byte_max", varint1ByteMax, 1},
		{"two_byte_min", varint1ByteMax + 1, 2},
		{"two_byte_max", varint2ByteMax, 2},
		{"four_byte_min", varint2ByteMax + 1, 4},
		{"four_byte_max", varint4ByteMax, 4},
		{"eight_byte_min", varint4ByteMax + 1, 8},
		{"eight_byte_max", varint8ByteMax, 8},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := VarintLen(tc.v); got != tc.n {
				t.Fatalf("VarintLen(%d) = %d, want %d", tc.v, got, tc.n)
			}

			buf := AppendVarint(nil, tc.v)
			if len(buf) != tc.n {
				t.Fatalf("encoded length = %d, want %d", len(buf), tc.n)
			}

			got, n, err := ReadVarint(buf)
			if err != nil {
				t.Fatalf("ReadVarint: %v", err)
			}
			if n != tc.n {
				t.Fatalf("consumed = %d, want %d", n, tc.n)
			}
			if got != tc.v {
				t.Fatalf("decoded = %d, want %d", got, tc.v)
			}
		})
	}
}

func TestVarintTruncation(t *testing.T) {
	t.Parallel()

	for _, v := range []uint64{0, varint1ByteMax + 1, varint2ByteMax + 1, varint4ByteMax + 1} {
		full := AppendVarint(nil, v)
		for i := 0; i < len(full); i++ {
			if _, _, err := ReadVarint(full[:i]); err == nil {
				t.Fatalf("ReadVarint(v=%d) accepted truncation to %d bytes (full=%d)", v, i, len(full))
			}
		}
	}
}

func TestVarintTrailingBytesIgnored(t *testing.T) {
	t.Parallel()

	buf := AppendVarint(nil, 42)
	buf = append(buf, 0xFF, 0xFF)

	v, n, err := ReadVarint(buf)
	if err != nil {
		t.Fatalf("ReadVarint: %v", err)
	}
	if v != 42 || n != 1 {
		t.Fatalf("got v=%d n=%d, want v=42 n=1", v, n)
	}
}
