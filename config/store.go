package config

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
)

// Store persists a Table as a checksummed binary snapshot, standing in for
// the original firmware's NVRAM record (spec.md §6 "Persisted state": "a
// packed record of the variable table; checksummed; on boot mismatch the
// firmware loads compiled-in defaults").
type Store struct {
	path string
}

// NewStore returns a Store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes t to the store, overwriting any previous snapshot. The file
// layout is a 4-byte big-endian CRC32 of the gob-encoded Table followed by
// the encoded bytes themselves.
func (s *Store) Save(t *Table) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(t); err != nil {
		return errors.Wrap(err, "config: encode snapshot")
	}
	sum := crc32.ChecksumIEEE(body.Bytes())

	f, err := os.Create(s.path)
	if err != nil {
		return errors.Wrapf(err, "config: create %s", s.path)
	}
	defer f.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], sum)
	if _, err := f.Write(header[:]); err != nil {
		return errors.Wrap(err, "config: write checksum")
	}
	if _, err := f.Write(body.Bytes()); err != nil {
		return errors.Wrap(err, "config: write snapshot")
	}
	return nil
}

// Load reads the persisted snapshot. On a checksum mismatch or any read
// error (including a missing file) it returns the compiled-in defaults for
// motorCount motors and ok=false, matching spec.md §6's boot-mismatch
// fallback; callers should not treat ok=false as fatal.
func (s *Store) Load(motorCount int) (t *Table, ok bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil || len(raw) < 4 {
		return Defaults(motorCount), false
	}
	sum := binary.BigEndian.Uint32(raw[:4])
	body := raw[4:]
	if crc32.ChecksumIEEE(body) != sum {
		return Defaults(motorCount), false
	}

	var rec Table
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
		return Defaults(motorCount), false
	}
	return &rec, true
}
