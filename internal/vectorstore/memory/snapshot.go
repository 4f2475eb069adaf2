package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"ragchat/internal/domain"
)

var snapshotMagic = [4]byte{'R', 'C', 'V', 'I'}

const snapshotVersion = 1

// MarshalBinary stores: magic, version(uint32), dim(uint32), n(uint32), then
// for each chunk: id, document id, ordinal(uint32), text, vec(float32[dim]).
// Strings are uint32 length prefixed.
func (s *Storage) MarshalBinary() ([]byte, error) {
	snap := s.current.Load()
	size := 16
	for _, c := range snap.chunks {
		size += 16 + len(c.ID) + len(c.DocumentID) + len(c.Text) + 4*snap.dimension
	}
	out := make([]byte, 0, size)
	out = append(out, snapshotMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, snapshotVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(snap.dimension))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(snap.chunks)))
	for _, c := range snap.chunks {
		out = appendString(out, c.ID)
		out = appendString(out, c.DocumentID)
		out = binary.LittleEndian.AppendUint32(out, uint32(c.Ordinal))
		out = appendString(out, c.Text)
		for _, v := range c.Vector {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

// UnmarshalBinary replaces the index contents with a snapshot. The data is
// fully decoded and validated before it is published.
func (s *Storage) UnmarshalBinary(data []byte) error {
	d := decoder{data: data}
	var magic [4]byte
	copy(magic[:], d.bytes(4))
	if d.err == nil && magic != snapshotMagic {
		return errors.New("memory: not a vector index snapshot")
	}
	if v := d.u32(); d.err == nil && v != snapshotVersion {
		return fmt.Errorf("memory: unsupported snapshot version %d", v)
	}
	dim := int(d.u32())
	n := int(d.u32())
	if d.err != nil {
		return d.err
	}
	// every entry carries three length prefixes, an ordinal and dim floats
	if entry := 16 + 4*uint64(dim); uint64(n) > uint64(d.remaining())/entry {
		return errTruncated
	}
	chunks := make([]domain.Chunk, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		c := domain.Chunk{
			ID:         d.str(),
			DocumentID: d.str(),
			Ordinal:    int(d.u32()),
			Text:       d.str(),
			Vector:     make([]float32, dim),
		}
		for j := 0; j < dim; j++ {
			c.Vector[j] = math.Float32frombits(d.u32())
		}
		chunks = append(chunks, c)
	}
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return fmt.Errorf("memory: %d trailing bytes after snapshot", d.remaining())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 && s.dimension != 0 && dim != s.dimension {
		return fmt.Errorf("%w: snapshot has %d dimensions, index has %d", domain.ErrDimensionMismatch, dim, s.dimension)
	}
	if n > 0 {
		s.dimension = dim
	}
	s.current.Store(&snapshot{dimension: s.dimension, chunks: chunks})
	return nil
}

// SaveFile writes the snapshot atomically by renaming a temporary file.
func (s *Storage) SaveFile(path string) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile restores a snapshot written by SaveFile. A missing file returns
// an error matching os.ErrNotExist and leaves the index untouched.
func (s *Storage) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := s.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	s.logger.Debug("vector index restored", slog.String("path", path), slog.Int("chunks", s.Len()))
	return nil
}

func appendString(out []byte, v string) []byte {
	out = binary.LittleEndian.AppendUint32(out, uint32(len(v)))
	return append(out, v...)
}

type decoder struct {
	data []byte
	off  int
	err  error
}

var errTruncated = errors.New("memory: truncated snapshot")

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = errTruncated
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) str() string {
	return string(d.bytes(int(d.u32())))
}
