package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	err   error
	paths []string
}

func (s *fakeSnapshotter) BackupTo(ctx context.Context, destPath string) error {
	if s.err != nil {
		return s.err
	}
	s.paths = append(s.paths, destPath)
	return os.WriteFile(destPath, []byte("snapshot"), 0o644)
}

type recordingUploader struct {
	err     error
	objects []string
}

func (u *recordingUploader) Upload(ctx context.Context, objectName, filePath string) error {
	if u.err != nil {
		return u.err
	}
	u.objects = append(u.objects, objectName)
	return nil
}

func TestManager_RunWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := &fakeSnapshotter{}
	up := &recordingUploader{}
	m := NewManager(snap, up, dir, 7)
	now := time.Date(2026, 8, 1, 4, 0, 0, 0, time.UTC)

	path, err := m.Run(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "possync-20260801T040000Z.db" {
		t.Errorf("unexpected snapshot name %s", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected snapshot on disk: %v", err)
	}
	if len(up.objects) != 1 || up.objects[0] != "possync-20260801T040000Z.db" {
		t.Errorf("expected upload of snapshot, got %v", up.objects)
	}
}

func TestManager_UploadFailureKeepsLocalFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(&fakeSnapshotter{}, &recordingUploader{err: errors.New("bucket gone")}, dir, 7)

	path, err := m.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("upload failure must not fail the run: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected local snapshot kept: %v", err)
	}
}

func TestManager_SnapshotFailurePropagates(t *testing.T) {
	m := NewManager(&fakeSnapshotter{err: errors.New("disk full")}, NoopUploader{}, t.TempDir(), 7)
	if _, err := m.Run(context.Background(), time.Now().UTC()); err == nil {
		t.Fatal("expected snapshot failure surfaced")
	}
}

func TestManager_PruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(&fakeSnapshotter{}, NoopUploader{}, dir, 2)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		if _, err := m.Run(context.Background(), base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	names, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 retained snapshots, got %v", names)
	}
	// Newest first
	if names[0] != "possync-20260801T030000Z.db" || names[1] != "possync-20260801T020000Z.db" {
		t.Errorf("expected newest snapshots retained, got %v", names)
	}
}

func TestManager_PruneIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(&fakeSnapshotter{}, NoopUploader{}, dir, 1)

	for i := 0; i < 3; i++ {
		if _, err := m.Run(context.Background(), time.Date(2026, 8, 1, i, 0, 0, 0, time.UTC)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("expected non-snapshot file untouched: %v", err)
	}
}

func TestNewUploader_NoopWithoutBucket(t *testing.T) {
	up, err := NewUploader(S3Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := up.(NoopUploader); !ok {
		t.Errorf("expected NoopUploader for empty bucket, got %T", up)
	}
	if err := up.Upload(context.Background(), "x", "y"); err != nil {
		t.Errorf("noop upload must succeed, got %v", err)
	}
}
