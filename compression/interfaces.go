package compression

import "fmt"

// Compressor shrinks cache snapshots before they are written
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// ByName returns the compressor for a configuration string
func ByName(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case snappyName:
		return NewSnappyCompressor(), nil
	case zstdName:
		return NewZstdCompressor()
	}
	return nil, fmt.Errorf("compression: unknown compressor %q", name)
}
