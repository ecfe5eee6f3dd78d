package nodeaddr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/paularlott/nodeaddr/codec"
	"github.com/paularlott/nodeaddr/compression"
	"github.com/paularlott/nodeaddr/encryption"
	"github.com/paularlott/nodeaddr/hlc"
)

const (
	snapshotMagic   = "NADC"
	snapshotVersion = 1

	snapshotFlagCompressed byte = 1 << 0
	snapshotFlagEncrypted  byte = 1 << 1
)

var ErrSnapshotFormat = errors.New("unrecognised snapshot")

// SnapshotOptions selects how a snapshot is serialised, compressed and encrypted
type SnapshotOptions struct {
	Serializer codec.Serializer       // Required
	Compressor compression.Compressor // Optional
	Cipher     encryption.Cipher      // Optional, requires Key
	Key        []byte
}

type snapshotFile struct {
	Version int             `json:"version" msgpack:"version" codec:"version"`
	Written int64           `json:"written" msgpack:"written" codec:"written"`
	Entries []snapshotEntry `json:"entries" msgpack:"entries" codec:"entries"`
}

type snapshotEntry struct {
	Key        string `json:"key" msgpack:"key" codec:"key"`
	Expires    int64  `json:"expires" msgpack:"expires" codec:"expires"` // Unix milliseconds
	Generation uint64 `json:"generation" msgpack:"generation" codec:"generation"`
	Source     string `json:"source,omitempty" msgpack:"source" codec:"source"`
	Validated  bool   `json:"validated,omitempty" msgpack:"validated" codec:"validated"`
	Negative   bool   `json:"negative,omitempty" msgpack:"negative" codec:"negative"`
	Rcode      int    `json:"rcode,omitempty" msgpack:"rcode" codec:"rcode"`
	NoData     bool   `json:"nodata,omitempty" msgpack:"nodata" codec:"nodata"`
	Payload    []byte `json:"payload,omitempty" msgpack:"payload" codec:"payload"` // Record transform
}

// WriteSnapshot writes the unexpired entries to w and returns how many were written.
//
// The output is the magic bytes, a flags byte, the serializer name and then the serialized
// entries, compressed and encrypted when the options ask for it.
func (c *Cache) WriteSnapshot(w io.Writer, opts SnapshotOptions) (int, error) {
	if opts.Serializer == nil {
		return 0, configError("SnapshotSerializer", "a serializer is required")
	}

	now := c.clock.Now()
	file := snapshotFile{Version: snapshotVersion, Written: now.UnixMilli()}

	c.root.Load().Root().Walk(func(k []byte, v interface{}) bool {
		e := v.(*cacheEntry)
		if e.expired(now) {
			return false
		}
		entry := snapshotEntry{
			Key:        string(k),
			Expires:    e.expires.UnixMilli(),
			Generation: uint64(e.generation),
		}
		if e.negative != nil {
			entry.Negative = true
			entry.Rcode = e.negative.Rcode
			entry.NoData = e.negative.NoData
		} else {
			payload, err := EncodeToBytes(e.record)
			if err != nil {
				c.logger.Err(err).Field("key", entry.Key).Warnf("cache: skipping entry that cannot be encoded")
				return false
			}
			entry.Payload = payload
			entry.Source = e.record.Source
			entry.Validated = e.record.Validated
		}
		file.Entries = append(file.Entries, entry)
		return false
	})

	body, err := opts.Serializer.Marshal(&file)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	var flags byte
	if opts.Compressor != nil {
		if body, err = opts.Compressor.Compress(body); err != nil {
			return 0, fmt.Errorf("failed to compress snapshot: %w", err)
		}
		flags |= snapshotFlagCompressed
	}
	if opts.Cipher != nil {
		if body, err = opts.Cipher.Encrypt(opts.Key, body); err != nil {
			return 0, fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
		flags |= snapshotFlagEncrypted
	}

	name := opts.Serializer.Name()
	var buf bytes.Buffer
	buf.Grow(len(snapshotMagic) + 2 + len(name) + len(body))
	buf.WriteString(snapshotMagic)
	buf.WriteByte(flags)
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return len(file.Entries), nil
}

// ReadSnapshot loads entries written by WriteSnapshot and returns how many were loaded.
//
// Expired entries are skipped and entries that cannot be decoded are dropped and logged. An
// entry never replaces a newer generation already in the cache.
func (c *Cache) ReadSnapshot(r io.Reader, opts SnapshotOptions) (int, error) {
	if opts.Serializer == nil {
		return 0, configError("SnapshotSerializer", "a serializer is required")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}
	body, err := openSnapshot(data, opts)
	if err != nil {
		return 0, &DecodeError{Err: err}
	}

	var file snapshotFile
	if err := opts.Serializer.Unmarshal(body, &file); err != nil {
		return 0, &DecodeError{Err: err}
	}
	if file.Version != snapshotVersion {
		return 0, &DecodeError{Err: fmt.Errorf("%w: version %d", ErrSnapshotFormat, file.Version)}
	}

	now := c.clock.Now()
	entries := make(map[string]*cacheEntry, len(file.Entries))
	for _, se := range file.Entries {
		e, err := decodeSnapshotEntry(se)
		if err != nil {
			c.logger.Err(&DecodeError{Key: se.Key, Err: err}).Warnf("cache: dropping malformed snapshot entry")
			continue
		}
		if e.expired(now) {
			continue
		}
		c.gen.Observe(e.generation)
		entries[se.Key] = e
	}

	for {
		old := c.root.Load()
		txn := old.Txn()
		loaded := 0
		for key, e := range entries {
			k := []byte(key)
			if v, ok := old.Get(k); ok && !v.(*cacheEntry).generation.Before(e.generation) {
				continue
			}
			txn.Insert(k, e)
			loaded++
		}
		next := txn.Commit()
		if c.root.CompareAndSwap(old, next) {
			c.metrics.entries(next.Len())
			return loaded, nil
		}
	}
}

func openSnapshot(data []byte, opts SnapshotOptions) ([]byte, error) {
	if len(data) < len(snapshotMagic)+2 || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, ErrSnapshotFormat
	}
	off := len(snapshotMagic)
	flags := data[off]
	nameLen := int(data[off+1])
	off += 2
	if len(data) < off+nameLen {
		return nil, fmt.Errorf("%w: truncated header", ErrSnapshotFormat)
	}
	name := string(data[off : off+nameLen])
	if name != opts.Serializer.Name() {
		return nil, fmt.Errorf("%w: written with %s, reading with %s", ErrSnapshotFormat, name, opts.Serializer.Name())
	}
	body := data[off+nameLen:]

	var err error
	if flags&snapshotFlagEncrypted != 0 {
		if opts.Cipher == nil {
			return nil, fmt.Errorf("%w: snapshot is encrypted", ErrSnapshotFormat)
		}
		if body, err = opts.Cipher.Decrypt(opts.Key, body); err != nil {
			return nil, fmt.Errorf("failed to decrypt snapshot: %w", err)
		}
	}
	if flags&snapshotFlagCompressed != 0 {
		if opts.Compressor == nil {
			return nil, fmt.Errorf("%w: snapshot is compressed", ErrSnapshotFormat)
		}
		if body, err = opts.Compressor.Decompress(body); err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
	}
	return body, nil
}

func decodeSnapshotEntry(se snapshotEntry) (*cacheEntry, error) {
	if se.Key == "" {
		return nil, errors.New("empty key")
	}
	e := &cacheEntry{
		expires:    time.UnixMilli(se.Expires),
		generation: hlc.Timestamp(se.Generation),
	}

	if se.Negative {
		e.negative = &NegativeResponseError{Name: se.Key, Rcode: se.Rcode, NoData: se.NoData}
		return e, nil
	}

	var rec Record
	n, err := rec.Decode(se.Payload)
	if err != nil {
		return nil, err
	}
	if n != len(se.Payload) {
		return nil, corrupted("record", "trailing bytes")
	}
	if len(rec.Endpoints) == 0 {
		return nil, corrupted("record", "no endpoints")
	}
	rec.Expires = e.expires
	rec.Source = se.Source
	rec.Validated = se.Validated
	rec.Generation = e.generation
	e.record = &rec
	return e, nil
}
