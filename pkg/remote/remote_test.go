package remote

import (
	"net/http/httptest"
	"os"
	"testing"

	"github.com/marcoallegretti/karapace/pkg/store/layers"
	"github.com/marcoallegretti/karapace/pkg/store/metadata"
	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/store/storelock"
	"github.com/marcoallegretti/karapace/pkg/store/wal"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(newTestServer().router())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestHeadGetPutBlobRoundTrip(t *testing.T) {
	c := newTestClient(t)

	if ok, err := c.Head(Object, "abc"); err != nil || ok {
		t.Fatalf("expected Head to report absent before Put, got ok=%v err=%v", ok, err)
	}

	if err := c.Put(Object, "abc", []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Head(Object, "abc"); err != nil || !ok {
		t.Fatalf("expected Head to report present after Put, got ok=%v err=%v", ok, err)
	}
	data, err := c.Get(Object, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
}

func TestGetMissingBlobReturnsHTTPStatus(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Get(Object, "missing")
	re, ok := err.(*Error)
	if !ok || re.Kind != HTTPStatus || re.Code != 404 {
		t.Fatalf("expected HTTPStatus 404, got %v", err)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetRegistry()
	if !IsNotFound(err) {
		t.Fatalf("expected not-found before any registry write, got %v", err)
	}

	reg := Registry{"tool@latest": {EnvID: "env1", ShortID: "abcd1234", Name: "tool", PushedAt: "2026-01-01T00:00:00Z"}}
	if err := c.PutRegistry(reg); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if got["tool@latest"].EnvID != "env1" {
		t.Fatalf("got %+v", got)
	}
}

func newLocalStores(t *testing.T) (*objects.Store, *layers.Store, *metadata.Store, *wal.Log, *storelock.Lock) {
	t.Helper()
	root := t.TempDir()
	objDir, layerDir, metaDir, walDir := root+"/objects", root+"/layers", root+"/metadata", root+"/wal"
	for _, d := range []string{objDir, layerDir, metaDir, walDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return objects.New(objDir), layers.New(layerDir), metadata.New(metaDir), wal.New(walDir), storelock.New(root + "/.lock")
}

func TestPushThenPullRoundTrip(t *testing.T) {
	srcObjects, srcLayers, srcMeta, _, srcLock := newLocalStores(t)
	dstObjects, dstLayers, dstMeta, dstWal, dstLock := newLocalStores(t)

	srv := httptest.NewServer(newTestServer().router())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL)

	tarBytes, tarHash, err := layers.Pack(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srcObjects.Put(tarBytes); err != nil {
		t.Fatal(err)
	}
	if _, err := srcLayers.Put(layers.Manifest{Hash: tarHash, Kind: layers.Base, ObjectHashes: []string{tarHash}, ReadOnly: true, TarHash: tarHash}); err != nil {
		t.Fatal(err)
	}

	manifestBytes := []byte(`{"fake":"manifest"}`)
	manifestHash, err := srcObjects.Put(manifestBytes)
	if err != nil {
		t.Fatal(err)
	}

	record := metadata.Record{
		ID:           "env-push-pull-test",
		ShortID:      "envpush1",
		ManifestHash: manifestHash,
		Backend:      "mock",
		BaseLayer:    tarHash,
		State:        metadata.Built,
		CreatedAt:    "2026-01-01T00:00:00Z",
		UpdatedAt:    "2026-01-01T00:00:00Z",
		RefCount:     1,
	}
	if err := srcMeta.Put(record); err != nil {
		t.Fatal(err)
	}

	if err := Push(client, srcObjects, srcLayers, srcMeta, srcLock, record.ID, "tool@latest", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}

	pulled, err := Pull(client, dstObjects, dstLayers, dstMeta, dstWal, dstLock, "tool@latest")
	if err != nil {
		t.Fatal(err)
	}
	if pulled.ID != record.ID {
		t.Fatalf("expected pulled record ID %s, got %s", record.ID, pulled.ID)
	}
	if !dstObjects.Exists(tarHash) || !dstObjects.Exists(manifestHash) {
		t.Fatal("expected both tar and manifest objects to land locally")
	}
	if !dstLayers.ExistsAlready(tarHash) {
		t.Fatal("expected base layer manifest to land locally")
	}
	if _, err := dstMeta.Get(record.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPullRejectsTamperedObject(t *testing.T) {
	srcObjects, srcLayers, srcMeta, _, srcLock := newLocalStores(t)
	dstObjects, dstLayers, dstMeta, dstWal, dstLock := newLocalStores(t)

	ts := newTestServer()
	srv := httptest.NewServer(ts.router())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL)

	tarBytes, tarHash, err := layers.Pack(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srcObjects.Put(tarBytes); err != nil {
		t.Fatal(err)
	}
	if _, err := srcLayers.Put(layers.Manifest{Hash: tarHash, Kind: layers.Base, ObjectHashes: []string{tarHash}, ReadOnly: true, TarHash: tarHash}); err != nil {
		t.Fatal(err)
	}
	manifestHash, err := srcObjects.Put([]byte(`{"fake":"manifest"}`))
	if err != nil {
		t.Fatal(err)
	}
	record := metadata.Record{ID: "env-tamper-test", ShortID: "envtampe", ManifestHash: manifestHash, Backend: "mock", BaseLayer: tarHash, State: metadata.Built, CreatedAt: "t", UpdatedAt: "t", RefCount: 1}
	if err := srcMeta.Put(record); err != nil {
		t.Fatal(err)
	}
	if err := Push(client, srcObjects, srcLayers, srcMeta, srcLock, record.ID, "", ""); err != nil {
		t.Fatal(err)
	}

	ts.mu.Lock()
	ts.blobs[Object][tarHash] = []byte("tampered content")
	ts.mu.Unlock()

	_, err = Pull(client, dstObjects, dstLayers, dstMeta, dstWal, dstLock, record.ID)
	re, ok := err.(*Error)
	if !ok || re.Kind != IntegrityFailure {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
	if dstObjects.Exists(tarHash) {
		t.Fatal("expected no partial write of the tampered object")
	}
	if _, getErr := dstMeta.Get(record.ID); getErr == nil {
		t.Fatal("expected no metadata record to be committed after a tamper failure")
	}
}
