package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeStore(t *testing.T, name string, records [][]byte) {
	t.Helper()
	w, err := Create(name)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range records {
		idx, err := w.Append(rec)
		if err != nil {
			t.Fatal(err)
		}
		if idx != i {
			t.Fatalf("Append returned %d, want %d", idx, i)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, cache := range []int{0, 32 << 20} {
		name := filepath.Join(t.TempDir(), "train")
		records := [][]byte{[]byte("alpha"), {}, []byte("gamma-gamma"), {1, 2, 3, 4}}
		writeStore(t, name, records)

		r, err := Open(name, Options{CacheBytes: cache})
		if err != nil {
			t.Fatal(err)
		}
		if r.Len() != len(records) {
			t.Fatalf("Len() = %d, want %d", r.Len(), len(records))
		}
		// Read twice so the cached path is exercised.
		for pass := 0; pass < 2; pass++ {
			for i, want := range records {
				if r.Size(i) != len(want) {
					t.Errorf("Size(%d) = %d, want %d", i, r.Size(i), len(want))
				}
				got, err := r.Get(i)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("Get(%d) = %q, want %q", i, got, want)
				}
			}
		}
		if _, err := r.Get(len(records)); err == nil {
			t.Error("Get past the end succeeded")
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Get(0); !errors.Is(err, ErrClosed) {
			t.Errorf("Get after Close = %v, want ErrClosed", err)
		}
	}
}

func TestConcurrentGet(t *testing.T) {
	name := filepath.Join(t.TempDir(), "valid")
	var records [][]byte
	for i := 0; i < 64; i++ {
		rec, err := EncodeIDs([]int{i, i + 1, i + 2})
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rec)
	}
	writeStore(t, name, records)
	r, err := Open(name, Options{CacheBytes: 32 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range records {
				got, err := r.Get(i)
				if err != nil {
					errs <- err
					return
				}
				ids, err := DecodeIDs[int](nil, got)
				if err != nil || ids[0] != i {
					errs <- errors.New("wrong record")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing"), Options{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(missing) = %v, want ErrNotFound", err)
	}

	name := filepath.Join(dir, "short")
	writeStore(t, name, [][]byte{[]byte("abcdef")})
	if err := os.WriteFile(DataPath(name), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(name, Options{}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Open(truncated) = %v, want ErrMalformed", err)
	}

	bad := filepath.Join(dir, "badmagic")
	writeStore(t, bad, [][]byte{[]byte("x")})
	idx, err := os.ReadFile(IndexPath(bad))
	if err != nil {
		t.Fatal(err)
	}
	copy(idx, "NOPE")
	if err := os.WriteFile(IndexPath(bad), idx, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bad, Options{}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Open(bad magic) = %v, want ErrMalformed", err)
	}
}

func TestCodec(t *testing.T) {
	ids := []int{0, 1, 65535, 1 << 20}
	payload, err := EncodeIDs(ids)
	if err != nil {
		t.Fatal(err)
	}
	if CountIDs(len(payload)) != len(ids) {
		t.Errorf("CountIDs = %d, want %d", CountIDs(len(payload)), len(ids))
	}
	got, err := DecodeIDs[int](nil, payload)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("id %d = %d, want %d", i, got[i], ids[i])
		}
	}
	if _, err := EncodeIDs([]int{-1}); !errors.Is(err, ErrMalformed) {
		t.Errorf("EncodeIDs(-1) = %v, want ErrMalformed", err)
	}
	if _, err := DecodeIDs[int](nil, []byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeIDs(3 bytes) = %v, want ErrMalformed", err)
	}
}
