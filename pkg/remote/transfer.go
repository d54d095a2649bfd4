package remote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/store/layers"
	"github.com/marcoallegretti/karapace/pkg/store/metadata"
	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/store/storelock"
	"github.com/marcoallegretti/karapace/pkg/store/wal"
	digest "github.com/opencontainers/go-digest"
)

// verifyObjectDigest re-derives the algorithm-qualified digest of data
// and checks it against the hex hash the object was requested under,
// the way a registry client verifies a pulled blob against its
// advertised digest.
func verifyObjectDigest(data []byte, wantHex string) error {
	want := lock.DigestString(wantHex)
	if err := want.Validate(); err != nil {
		return fmt.Errorf("requested object key %s is not a valid digest: %w", wantHex, err)
	}
	got := digest.FromBytes(data)
	if got != want {
		return &Error{Kind: IntegrityFailure, Key: wantHex, Message: fmt.Sprintf("downloaded object hashes to %s, requested %s", got.Encoded(), wantHex)}
	}
	return nil
}

func layerHashesOf(r metadata.Record) []string {
	var hashes []string
	if r.BaseLayer != "" {
		hashes = append(hashes, r.BaseLayer)
	}
	hashes = append(hashes, r.DependencyLayers...)
	if r.PolicyLayer != "" {
		hashes = append(hashes, r.PolicyLayer)
	}
	return hashes
}

// Push implements spec §4.9 push(env_id): collects the environment's
// base/dependency/policy layer manifests and every object they
// reference, HEADs the remote to skip blobs it already has, PUTs what's
// missing, then the metadata blob itself. If nameTag is non-empty, it
// also merges an entry into the remote registry index.
func Push(client *Client, objStore *objects.Store, layerStore *layers.Store, metaStore *metadata.Store, lock *storelock.Lock, envID, nameTag, pushedAt string) error {
	return lock.WithLock(func() error {
		record, err := metaStore.Get(envID)
		if err != nil {
			return err
		}

		objectHashes := map[string]bool{record.ManifestHash: true}
		var layerManifests []layers.Manifest
		for _, lh := range layerHashesOf(record) {
			m, err := layerStore.Get(lh)
			if err != nil {
				return err
			}
			layerManifests = append(layerManifests, m)
			for _, oh := range m.ObjectHashes {
				objectHashes[oh] = true
			}
		}

		for oh := range objectHashes {
			present, err := client.Head(Object, oh)
			if err != nil {
				return err
			}
			if present {
				continue
			}
			data, err := objStore.Get(oh)
			if err != nil {
				return err
			}
			if err := client.Put(Object, oh, data); err != nil {
				return err
			}
		}

		for _, m := range layerManifests {
			present, err := client.Head(Layer, m.Hash)
			if err != nil {
				return err
			}
			if present {
				continue
			}
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal layer manifest %s: %w", m.Hash, err)
			}
			if err := client.Put(Layer, m.Hash, data); err != nil {
				return err
			}
		}

		metaBytes, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal metadata record %s: %w", record.ID, err)
		}
		if err := client.Put(Metadata, record.ID, metaBytes); err != nil {
			return err
		}

		if nameTag == "" {
			return nil
		}
		registry, err := client.GetRegistry()
		if err != nil {
			if !IsNotFound(err) {
				return err
			}
			registry = Registry{}
		}
		registry[nameTag] = RegistryEntry{
			EnvID:    record.ID,
			ShortID:  record.ShortID,
			Name:     record.Name,
			PushedAt: pushedAt,
		}
		return client.PutRegistry(registry)
	})
}

// Pull implements spec §4.9 pull(reference): resolves a bare env_id or
// a name@tag through the remote registry, fetches metadata, then every
// referenced layer manifest and object, re-hashing each downloaded
// object before writing it. The first mismatch fails the operation:
// the mismatched object is not written and no metadata record is
// stored, but objects and layer manifests written earlier in the same
// pull stay in the local store.
func Pull(client *Client, objStore *objects.Store, layerStore *layers.Store, metaStore *metadata.Store, walLog *wal.Log, lock *storelock.Lock, reference string) (metadata.Record, error) {
	var result metadata.Record
	err := lock.WithLock(func() error {
		envID := reference
		if strings.Contains(reference, "@") {
			registry, err := client.GetRegistry()
			if err != nil {
				return err
			}
			entry, ok := registry[reference]
			if !ok {
				return &Error{Kind: HTTPStatus, Key: reference, Code: 404, Message: "reference not found in remote registry"}
			}
			envID = entry.EnvID
		}

		metaBytes, err := client.Get(Metadata, envID)
		if err != nil {
			return err
		}
		var record metadata.Record
		if err := json.Unmarshal(metaBytes, &record); err != nil {
			return &Error{Kind: Transport, Key: envID, Message: "malformed metadata blob", Wrapped: err}
		}

		entry, err := walLog.Register(time.Now(), wal.Pull, record.ID, nil)
		if err != nil {
			return err
		}
		defer walLog.Complete(entry)

		for _, lh := range layerHashesOf(record) {
			if layerStore.ExistsAlready(lh) {
				continue
			}
			data, err := client.Get(Layer, lh)
			if err != nil {
				return err
			}
			var m layers.Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return &Error{Kind: IntegrityFailure, Key: lh, Message: "malformed layer manifest"}
			}
			if m.Hash != lh {
				return &Error{Kind: IntegrityFailure, Key: lh, Message: "layer manifest hash does not match requested key"}
			}

			for _, oh := range m.ObjectHashes {
				if objStore.Exists(oh) {
					continue
				}
				objData, err := client.Get(Object, oh)
				if err != nil {
					return err
				}
				if err := verifyObjectDigest(objData, oh); err != nil {
					return err
				}
				if _, err := objStore.Put(objData); err != nil {
					return err
				}
			}

			if _, err := layerStore.Put(m); err != nil {
				return err
			}
		}

		if !objStore.Exists(record.ManifestHash) {
			data, err := client.Get(Object, record.ManifestHash)
			if err != nil {
				return err
			}
			if err := verifyObjectDigest(data, record.ManifestHash); err != nil {
				return err
			}
			if _, err := objStore.Put(data); err != nil {
				return err
			}
		}

		if err := metaStore.Put(record); err != nil {
			return err
		}
		result = record
		return nil
	})
	return result, err
}
