// Package store implements an indexed, append-only record store on disk.
//
// A store called "data/train" lives in two files: "data/train.dat" holds the
// concatenated record payloads and "data/train.idx" holds a small header
// followed by count+1 little-endian uint64 offsets into the payload file.
// Record i spans [offset[i], offset[i+1]).
package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

const (
	indexMagic   = "PIDX"
	indexVersion = 1
	headerSize   = 16
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrMalformed = errors.New("store: malformed")
	ErrClosed    = errors.New("store: closed")
)

// DataPath and IndexPath return the file names backing the store name.
func DataPath(name string) string  { return name + ".dat" }
func IndexPath(name string) string { return name + ".idx" }

// Writer appends records to a new store.
type Writer struct {
	name    string
	dat     *os.File
	buf     *bufio.Writer
	offsets []uint64
}

// Create truncates or creates the store files for name.
func Create(name string) (*Writer, error) {
	f, err := os.Create(DataPath(name))
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &Writer{
		name:    name,
		dat:     f,
		buf:     bufio.NewWriterSize(f, 1<<20),
		offsets: []uint64{0},
	}, nil
}

// Append writes a record and returns its index.
func (w *Writer) Append(record []byte) (int, error) {
	if w.dat == nil {
		return 0, ErrClosed
	}
	if _, err := w.buf.Write(record); err != nil {
		return 0, err
	}
	last := w.offsets[len(w.offsets)-1]
	w.offsets = append(w.offsets, last+uint64(len(record)))
	return len(w.offsets) - 2, nil
}

// Len returns the number of records appended so far.
func (w *Writer) Len() int { return len(w.offsets) - 1 }

// Close flushes the payload and writes the index.
func (w *Writer) Close() error {
	if w.dat == nil {
		return ErrClosed
	}
	defer func() { w.dat = nil }()

	if err := w.buf.Flush(); err != nil {
		w.dat.Close()
		return err
	}
	if err := w.dat.Close(); err != nil {
		return err
	}

	f, err := os.Create(IndexPath(w.name))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	header := make([]byte, headerSize)
	copy(header, indexMagic)
	binary.LittleEndian.PutUint32(header[4:], indexVersion)
	binary.LittleEndian.PutUint64(header[8:], uint64(w.Len()))
	if _, err := bw.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, w.offsets); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Options tunes a Reader.
type Options struct {
	// CacheBytes bounds the in-memory record cache. Zero disables caching.
	CacheBytes int
}

// Reader gives random access to the records of a store. It is safe for
// concurrent use.
type Reader struct {
	name    string
	dat     *os.File
	offsets []uint64
	cache   *fastcache.Cache

	mu     sync.RWMutex
	closed bool
}

// Open opens the store called name.
func Open(name string, opts Options) (*Reader, error) {
	offsets, err := readIndex(IndexPath(name))
	if err != nil {
		return nil, err
	}
	dat, err := os.Open(DataPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, DataPath(name))
		}
		return nil, err
	}
	st, err := dat.Stat()
	if err != nil {
		dat.Close()
		return nil, err
	}
	if want := offsets[len(offsets)-1]; uint64(st.Size()) != want {
		dat.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, index expects %d", ErrMalformed, DataPath(name), st.Size(), want)
	}
	r := &Reader{name: name, dat: dat, offsets: offsets}
	if opts.CacheBytes > 0 {
		r.cache = fastcache.New(opts.CacheBytes)
	}
	return r, nil
}

func readIndex(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %s: short header", ErrMalformed, path)
	}
	if string(header[:4]) != indexMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrMalformed, path)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != indexVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrMalformed, path, v)
	}
	count := binary.LittleEndian.Uint64(header[8:])
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if uint64(st.Size()) != headerSize+8*(count+1) {
		return nil, fmt.Errorf("%w: %s: size does not match count %d", ErrMalformed, path, count)
	}
	offsets := make([]uint64, count+1)
	if err := binary.Read(br, binary.LittleEndian, offsets); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return nil, fmt.Errorf("%w: %s: offsets not monotonic at %d", ErrMalformed, path, i)
		}
	}
	return offsets, nil
}

// Name returns the store name passed to Open.
func (r *Reader) Name() string { return r.name }

// Len returns the number of records.
func (r *Reader) Len() int { return len(r.offsets) - 1 }

// Size returns the byte length of record i without reading it.
func (r *Reader) Size(i int) int {
	return int(r.offsets[i+1] - r.offsets[i])
}

// Get returns a copy of record i.
func (r *Reader) Get(i int) ([]byte, error) {
	if i < 0 || i >= r.Len() {
		return nil, fmt.Errorf("store %s: index %d out of range [0,%d)", r.name, i, r.Len())
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}

	var key [8]byte
	if r.cache != nil {
		binary.LittleEndian.PutUint64(key[:], uint64(i))
		if rec, ok := r.cache.HasGet(nil, key[:]); ok {
			return rec, nil
		}
	}
	rec := make([]byte, r.Size(i))
	if _, err := r.dat.ReadAt(rec, int64(r.offsets[i])); err != nil {
		return nil, fmt.Errorf("store %s: read record %d: %w", r.name, i, err)
	}
	if r.cache != nil {
		r.cache.Set(key[:], rec)
	}
	return rec, nil
}

// Close releases the payload file and the cache.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cache != nil {
		r.cache.Reset()
	}
	return r.dat.Close()
}
