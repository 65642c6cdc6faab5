package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := Open(context.Background(), Config{Driver: DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemory(),
		"s3":     NewMockS3ForTests(),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "geo/series/GSE1nnn/GSE1234/soft/GSE1234_family.soft.gz"
			ok, err := Exists(ctx, store, key)
			if err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}
			if _, err := store.Head(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from head, got %v", err)
			}
			if _, _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from get, got %v", err)
			}
			info, err := PutBytes(ctx, store, key, []byte("payload"), "application/gzip")
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != 7 || info.Key != key {
				t.Fatalf("unexpected info %+v", info)
			}
			if _, err := PutBytes(ctx, store, key, []byte("again"), ""); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			data, err := ReadAll(ctx, store, key)
			if err != nil || string(data) != "payload" {
				t.Fatalf("read back %q err=%v", data, err)
			}
			if _, err := Replace(ctx, store, key, strings.NewReader("fresh"), PutOptions{}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			data, _ = ReadAll(ctx, store, key)
			if string(data) != "fresh" {
				t.Fatalf("expected replaced content, got %q", data)
			}
			if _, err := PutBytes(ctx, store, "geo/platforms/GPLnnn/GPL96/soft/GPL96_family.soft.gz", []byte("x"), ""); err != nil {
				t.Fatalf("put second: %v", err)
			}
			infos, err := store.List(ctx, "geo/series/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(infos) != 1 || infos[0].Key != key {
				t.Fatalf("unexpected list %+v", infos)
			}
			all, _ := store.List(ctx, "")
			if len(all) != 2 || all[0].Key > all[1].Key {
				t.Fatalf("expected two sorted keys, got %+v", all)
			}
			deleted, err := store.Delete(ctx, key)
			if err != nil || !deleted {
				t.Fatalf("delete: %v %v", deleted, err)
			}
			deleted, err = store.Delete(ctx, key)
			if err != nil || deleted {
				t.Fatalf("expected second delete to report missing: %v %v", deleted, err)
			}
		})
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("expected memory driver, got %v %v", store, err)
	}
	store, err = Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("expected default fs driver, got %v", err)
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestPresign(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMemory().PresignURL(ctx, "k", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported for memory, got %v", err)
	}
	fsStore, _ := Open(ctx, Config{FSRoot: t.TempDir()})
	if _, err := fsStore.PresignURL(ctx, "k", SignedURLOptions{Method: "PUT"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported PUT presign, got %v", err)
	}
	url, err := NewMockS3ForTests().PresignURL(ctx, "analyses/e1/t1.json", SignedURLOptions{})
	if err != nil || !strings.Contains(url, "analyses/e1/t1.json") {
		t.Fatalf("unexpected presign %q %v", url, err)
	}
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	store, _ := Open(context.Background(), Config{FSRoot: t.TempDir()})
	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b", "x.meta"} {
		if _, err := PutBytes(context.Background(), store, key, []byte("x"), ""); err == nil {
			t.Fatalf("expected rejection for %q", key)
		}
	}
}
