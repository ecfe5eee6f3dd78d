package compression

import (
	"bytes"
	"testing"
)

func TestCompressors_RoundTrip(t *testing.T) {
	zstd, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}

	data := bytes.Repeat([]byte("node-a.internal.:8080 10.0.0.1:8080 "), 64)
	for _, c := range []Compressor{NewSnappyCompressor(), zstd} {
		t.Run(c.Name(), func(t *testing.T) {
			packed, err := c.Compress(data)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if len(packed) >= len(data) {
				t.Fatalf("expected repetitive input to shrink, %d >= %d", len(packed), len(data))
			}
			out, err := c.Decompress(packed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("round-trip mismatch")
			}
			if _, err := c.Decompress([]byte("not compressed")); err == nil {
				t.Fatalf("expected error decompressing garbage")
			}
		})
	}
}

func TestByName(t *testing.T) {
	c, err := ByName("none")
	if err != nil || c != nil {
		t.Fatalf("expected no compressor for none, got %v %v", c, err)
	}
	for _, name := range []string{"snappy", "zstd"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Fatalf("ByName(%q) returned %q", name, c.Name())
		}
	}
	if _, err := ByName("lz4"); err == nil {
		t.Fatalf("expected error for unknown compressor")
	}
}
