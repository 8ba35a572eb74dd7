package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/charmbracelet/log"

	"ponalm/internal/model"
	"ponalm/internal/optim"
)

func testModel(t *testing.T, seed int64) model.Model {
	t.Helper()
	m, err := model.Build(model.Config{Arch: model.ArchMLP, Emb: 3, Hidden: 5, Window: 2}, 10, seed)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWriteLoadRestore(t *testing.T) {
	m := testModel(t, 1)
	o, err := optim.New(m.Params(), 0.01, optim.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range m.Params() {
		for i := range p.Grad {
			p.Grad[i] = 0.1
		}
	}
	if _, err := o.Step(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "sub", FileName(7))
	if err := Write(path, Snapshot(m, o, 2, 7)); err != nil {
		t.Fatal(err)
	}
	st, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Epoch != 2 || st.Step != 7 || st.Opter.Step != 1 {
		t.Fatalf("state header = %d/%d/%d", st.Epoch, st.Step, st.Opter.Step)
	}

	other := testModel(t, 2)
	if err := st.Restore(other); err != nil {
		t.Fatal(err)
	}
	for i, p := range m.Params() {
		q := other.Params()[i]
		for j := range p.Data {
			if p.Data[j] != q.Data[j] {
				t.Fatalf("%s[%d] differs after restore", p.Name, j)
			}
		}
	}

	built, err := st.BuildModel()
	if err != nil {
		t.Fatal(err)
	}
	if model.CountParams(built) != model.CountParams(m) {
		t.Fatal("rebuilt model has a different size")
	}
}

func TestRestoreIncompatible(t *testing.T) {
	st := Snapshot(testModel(t, 1), nil, 0, 0)
	bigger, err := model.Build(model.Config{Arch: model.ArchMLP, Emb: 4, Hidden: 5, Window: 2}, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Restore(bigger); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	st := Snapshot(testModel(t, 1), nil, 0, 1)
	for i := 0; i < 2; i++ {
		if err := Write(path, st); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != FileName(1) {
		t.Fatalf("directory holds %v", entries)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gob")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

type fakeS3 struct {
	keys   []string
	bodies [][]byte
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	f.bodies = append(f.bodies, b)
	return &s3.PutObjectOutput{}, nil
}

func TestSaverRetriesAndMirrors(t *testing.T) {
	var logs bytes.Buffer
	client := &fakeS3{}
	s := NewSaver(t.TempDir(), log.New(&logs))
	s.Mirror = &S3Mirror{Client: client, Bucket: "bkt", Prefix: "runs/a"}

	calls := 0
	s.write = func(p string, st *State) error {
		calls++
		if calls == 1 {
			return errors.New("disk hiccup")
		}
		return Write(p, st)
	}

	p, err := s.Save(context.Background(), Snapshot(testModel(t, 1), nil, 0, 10))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("write called %d times", calls)
	}
	if filepath.Base(p) != "ckpt-10.gob" {
		t.Fatalf("path = %s", p)
	}
	if len(client.keys) != 1 || client.keys[0] != "bkt/runs/a/ckpt-10.gob" {
		t.Fatalf("uploaded %v", client.keys)
	}
	local, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(local, client.bodies[0]) {
		t.Fatal("mirrored bytes differ from local checkpoint")
	}
	if !bytes.Contains(logs.Bytes(), []byte("checkpoint write failed")) {
		t.Fatalf("missing retry log: %s", logs.String())
	}
}

func TestSaverGivesUp(t *testing.T) {
	s := NewSaver(t.TempDir(), log.New(io.Discard))
	calls := 0
	s.write = func(string, *State) error {
		calls++
		return errors.New("read-only")
	}
	if _, err := s.Save(context.Background(), Snapshot(testModel(t, 1), nil, 0, 1)); err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Fatalf("write called %d times, want 2", calls)
	}
}
