// Package engine is the lifecycle orchestrator (spec §4.7): it wires
// the object/layer/metadata stores, the store lock, and the WAL
// together and drives build/rebuild/enter/exec/stop/freeze/archive/
// rename/commit/restore/destroy/gc/verify-store over them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcoallegretti/karapace/pkg/backend"
	"github.com/marcoallegretti/karapace/pkg/cancel"
	"github.com/marcoallegretti/karapace/pkg/lock"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/marcoallegretti/karapace/pkg/statemachine"
	"github.com/marcoallegretti/karapace/pkg/store/layers"
	"github.com/marcoallegretti/karapace/pkg/store/metadata"
	"github.com/marcoallegretti/karapace/pkg/store/objects"
	"github.com/marcoallegretti/karapace/pkg/store/storelock"
	"github.com/marcoallegretti/karapace/pkg/store/wal"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
	"github.com/sirupsen/logrus"
)

// Engine is the assembled lifecycle orchestrator over one store root.
type Engine struct {
	Layout   *Layout
	Objects  *objects.Store
	Layers   *layers.Store
	Metadata *metadata.Store
	Wal      *wal.Log
	Lock     *storelock.Lock
	Backends *backend.Registry
	Cancel   *cancel.Token
	Log      *logrus.Entry
}

// New assembles an Engine over root, ensures the on-disk layout
// exists with a matching format version, and runs WAL startup
// recovery under the store lock before returning.
func New(root string, backends *backend.Registry, log *logrus.Entry) (*Engine, error) {
	layout := NewLayout(root)
	if err := layout.EnsureAndCheckVersion(); err != nil {
		return nil, err
	}

	e := &Engine{
		Layout:   layout,
		Objects:  objects.New(layout.Objects),
		Layers:   layers.New(layout.Layers),
		Metadata: metadata.New(layout.Metadata),
		Wal:      wal.New(layout.Wal),
		Lock:     storelock.New(layout.LockFile),
		Backends: backends,
		Cancel:   cancel.NewToken(),
		Log:      log,
	}

	if err := e.Lock.WithLock(func() error { return e.Wal.Recover() }); err != nil {
		return nil, wrap(Internal, "wal recovery", err)
	}
	return e, nil
}

// resolveSubject resolves a subject string (id, name, or unique
// prefix) to a metadata record.
func (e *Engine) resolveSubject(subject string) (metadata.Record, error) {
	id, res, err := e.Metadata.Resolve(subject)
	switch res {
	case metadata.ResolveFound:
		return e.Metadata.Get(id)
	case metadata.ResolveAmbiguous:
		return metadata.Record{}, wrap(Conflict, fmt.Sprintf("subject %q is ambiguous", subject), err)
	default:
		return metadata.Record{}, &Error{Kind: NotFound, Detail: fmt.Sprintf("no environment matches %q", subject)}
	}
}

func (e *Engine) envDirs(envID string) (lower, upper, work, merged string) {
	base := e.Layout.EnvDir(envID)
	return filepath.Join(base, "lower"), filepath.Join(base, "upper"), filepath.Join(base, "work"), filepath.Join(base, "merged")
}

// normalizedOf reconstructs the Normalized manifest from the stored
// manifest object for a record, so operations beyond build (enter,
// exec, stop) can re-run the security policy and pass mount/resource
// fields to the backend without re-parsing the original YAML file.
func (e *Engine) normalizedOf(r metadata.Record) (*manifest.Normalized, error) {
	data, err := e.Objects.Get(r.ManifestHash)
	if err != nil {
		return nil, wrap(Internal, "read stored manifest object", err)
	}
	n, err := manifest.DecodeCanonical(data)
	if err != nil {
		return nil, wrap(Internal, "decode stored manifest object", err)
	}
	return n, nil
}

func (e *Engine) toBackendSpec(r metadata.Record, n *manifest.Normalized) backend.Spec {
	lower, upper, work, merged := e.envDirs(r.ID)
	return backend.Spec{
		EnvID:      r.ID,
		Normalized: n,
		LowerDir:   lower,
		UpperDir:   upper,
		WorkDir:    work,
		MergedDir:  merged,
	}
}

// Build implements spec §4.7 build(manifest_path).
func (e *Engine) Build(ctx context.Context, manifestPath string) (metadata.Record, error) {
	text, err := os.ReadFile(manifestPath)
	if err != nil {
		return metadata.Record{}, wrap(Internal, "read manifest", err)
	}

	m, err := manifest.Parse(text)
	if err != nil {
		return metadata.Record{}, wrap(Internal, "parse manifest", err)
	}
	n := manifest.Normalize(m)

	canonical, err := manifest.CanonicalBytes(n)
	if err != nil {
		return metadata.Record{}, wrap(Internal, "serialize manifest", err)
	}
	manifestHash, err := e.Objects.Put(canonical)
	if err != nil {
		return metadata.Record{}, wrap(Internal, "store manifest object", err)
	}

	b, ok := e.Backends.Get(n.Backend)
	if !ok {
		return metadata.Record{}, &Error{Kind: BackendUnavailable, Detail: fmt.Sprintf("no backend registered for %q", n.Backend)}
	}
	if !b.Available() {
		return metadata.Record{}, &Error{Kind: BackendUnavailable, Detail: fmt.Sprintf("backend %q is not available on this host", n.Backend)}
	}

	resolution, err := b.Resolve(ctx, backend.Spec{Normalized: n})
	if err != nil {
		return metadata.Record{}, wrap(Internal, "backend resolve", err)
	}

	l := lock.Build(n, resolution, manifestHash)
	envID := l.FullID

	var result metadata.Record
	buildErr := e.Lock.WithLock(func() error {
		envDir := e.Layout.EnvDir(envID)
		metadataPath := filepath.Join(e.Layout.Metadata, envID)

		entry, err := e.Wal.Register(time.Now(), wal.Build, envID, []wal.Step{
			{Kind: wal.RemoveDir, Path: envDir},
			{Kind: wal.RemoveFile, Path: metadataPath},
		})
		if err != nil {
			return wrap(Internal, "register wal entry", err)
		}

		if err := e.doBuild(ctx, envID, n, l, b, manifestHash, manifestPath); err != nil {
			if rbErr := wal.Rollback(entry); rbErr != nil {
				e.Log.WithError(rbErr).Error("build rollback failed")
			}
			e.Wal.Complete(entry)
			return err
		}

		if err := e.Wal.Complete(entry); err != nil {
			return wrap(Internal, "complete wal entry", err)
		}

		result, err = e.Metadata.Get(envID)
		return err
	})
	if buildErr != nil {
		return metadata.Record{}, buildErr
	}
	return result, nil
}

func (e *Engine) doBuild(ctx context.Context, envID string, n *manifest.Normalized, l *lock.Lock, b backend.Backend, manifestHash, manifestPath string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	record := metadata.Record{
		ID:           envID,
		ShortID:      l.ShortID,
		State:        metadata.Defined,
		ManifestHash: manifestHash,
		Backend:      n.Backend,
		CreatedAt:    now,
		UpdatedAt:    now,
		RefCount:     1,
	}
	if err := e.Metadata.Put(record); err != nil {
		return wrap(Internal, "write Defined metadata", err)
	}

	spec := e.toBackendSpec(record, n)
	if err := b.Build(ctx, spec); err != nil {
		return wrap(Internal, "backend build", err)
	}

	baseLayerHash, err := e.packBaseLayer(spec.LowerDir)
	if err != nil {
		return err
	}
	record.BaseLayer = baseLayerHash

	record.State = metadata.Built
	record.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.Metadata.Put(record); err != nil {
		return wrap(Internal, "write Built metadata", err)
	}

	lockData, err := json.Marshal(l)
	if err != nil {
		return wrap(Internal, "serialize lock file", err)
	}
	if err := os.WriteFile(manifestLockPath(manifestPath), lockData, 0o644); err != nil {
		return wrap(Internal, "write lock file", err)
	}
	return nil
}

// packBaseLayer packs the resolved rootfs at lowerDir into a Base
// layer and stores it. If lowerDir does not exist (a backend that
// manages its own image cache, e.g. oci), the base layer degenerates
// to an empty tar: the oci backend's rootfs lives inside the image
// itself, not on the host, so there is nothing to pack here.
func (e *Engine) packBaseLayer(lowerDir string) (string, error) {
	if _, err := os.Stat(lowerDir); os.IsNotExist(err) {
		os.MkdirAll(lowerDir, 0o755)
	}
	tarBytes, tarHash, err := layers.Pack(lowerDir)
	if err != nil {
		return "", wrap(Internal, "pack base layer", err)
	}
	if _, err := e.Objects.Put(tarBytes); err != nil {
		return "", wrap(Internal, "store base layer object", err)
	}
	if e.Layers.ExistsAlready(tarHash) {
		return tarHash, nil
	}
	if _, err := e.Layers.Put(layers.Manifest{
		Hash:         tarHash,
		Kind:         layers.Base,
		ObjectHashes: []string{tarHash},
		ReadOnly:     true,
		TarHash:      tarHash,
	}); err != nil {
		return "", wrap(Internal, "store base layer manifest", err)
	}
	return tarHash, nil
}

func manifestLockPath(manifestPath string) string {
	return manifestPath + ".lock"
}

// Rebuild implements spec §4.7 rebuild(manifest_path): builds a new
// environment; only destroys the old one (by identity) if the new
// identity differs. A build failure leaves the old environment
// intact.
func (e *Engine) Rebuild(ctx context.Context, manifestPath, previousSubject string) (metadata.Record, error) {
	var previous *metadata.Record
	if previousSubject != "" {
		if r, err := e.resolveSubject(previousSubject); err == nil {
			previous = &r
		}
	}

	newRecord, err := e.Build(ctx, manifestPath)
	if err != nil {
		return metadata.Record{}, err
	}

	if previous != nil && previous.ID != newRecord.ID {
		if err := e.Destroy(ctx, previous.ID); err != nil {
			e.Log.WithError(err).Warn("rebuild: failed to destroy superseded environment")
		}
	}
	return newRecord, nil
}

// transition validates and applies a metadata state change.
func (e *Engine) transition(r metadata.Record, to metadata.State) (metadata.Record, error) {
	if err := statemachine.Validate(r.State, to); err != nil {
		return metadata.Record{}, wrap(InvalidState, err.Error(), err)
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.Metadata.Put(r); err != nil {
		return metadata.Record{}, wrap(Internal, "write metadata", err)
	}
	return r, nil
}

// Enter implements spec §4.7 enter(subject, [cmd]).
func (e *Engine) Enter(ctx context.Context, subject string, cmd []string) error {
	return e.runInteractive(ctx, subject, cmd, true)
}

// Exec implements spec §4.7 exec(subject, cmd).
func (e *Engine) Exec(ctx context.Context, subject string, cmd []string) error {
	return e.runInteractive(ctx, subject, cmd, false)
}

func (e *Engine) runInteractive(ctx context.Context, subject string, cmd []string, interactive bool) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}

	b, ok := e.Backends.Get(r.Backend)
	if !ok {
		return &Error{Kind: BackendUnavailable, Detail: fmt.Sprintf("no backend registered for %q", r.Backend)}
	}

	n, err := e.normalizedOf(r)
	if err != nil {
		return err
	}

	r, err = e.transition(r, metadata.Running)
	if err != nil {
		return err
	}

	spec := e.toBackendSpec(r, n)
	var runErr error
	if interactive {
		runErr = b.Enter(ctx, spec, cmd)
	} else {
		runErr = b.Exec(ctx, spec, cmd)
	}

	if _, err := e.transition(r, metadata.Built); err != nil {
		// Process may still be alive; force-stop it (spec §4.7).
		if status, statusErr := b.StatusOf(ctx, r.ID); statusErr == nil && status.Running {
			b.Destroy(ctx, spec)
		}
		return err
	}
	return runErr
}

// Stop implements spec §4.7 stop(subject).
func (e *Engine) Stop(ctx context.Context, subject string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}
	if r.State != metadata.Running {
		return &Error{Kind: InvalidState, Detail: fmt.Sprintf("stop requires Running, environment is %s", r.State)}
	}
	b, ok := e.Backends.Get(r.Backend)
	if !ok {
		return &Error{Kind: BackendUnavailable, Detail: "backend unavailable"}
	}
	n, err := e.normalizedOf(r)
	if err != nil {
		return err
	}
	spec := e.toBackendSpec(r, n)
	if err := b.Stop(ctx, spec); err != nil {
		return wrap(Internal, "backend stop", err)
	}
	_, err = e.transition(r, metadata.Built)
	return err
}

// Freeze implements spec §4.7 freeze(subject): a metadata-only
// transition to Frozen.
func (e *Engine) Freeze(subject string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}
	_, err = e.transition(r, metadata.Frozen)
	return err
}

// Archive implements spec §4.7 archive(subject): a metadata-only
// transition to Archived from Built or Frozen.
func (e *Engine) Archive(subject string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}
	_, err = e.transition(r, metadata.Archived)
	return err
}

// Rename implements spec §4.7 rename(subject, name): a metadata-only,
// atomically re-written name change, validated for format and
// uniqueness by the metadata store's Put.
func (e *Engine) Rename(subject, newName string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}
	r.Name = newName
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := e.Metadata.Put(r); err != nil {
		if se, ok := err.(*storeerr.Error); ok {
			return wrap(Conflict, "rename", se)
		}
		return wrap(Internal, "rename", err)
	}
	return nil
}

// Destroy implements spec §4.7 destroy(subject): forbidden when
// Running; decrements ref-count; at zero, removes the overlay then
// the metadata record. WAL-tracked.
func (e *Engine) Destroy(ctx context.Context, subject string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}
	if !statemachine.CanDestroy(r.State) {
		return &Error{Kind: InvalidState, Detail: "destroy is forbidden while Running"}
	}

	return e.Lock.WithLock(func() error {
		r.RefCount--
		if r.RefCount > 0 {
			return e.Metadata.Put(r)
		}

		envDir := e.Layout.EnvDir(r.ID)
		metadataPath := filepath.Join(e.Layout.Metadata, r.ID)
		entry, err := e.Wal.Register(time.Now(), wal.Destroy, r.ID, []wal.Step{
			{Kind: wal.RemoveDir, Path: envDir},
			{Kind: wal.RemoveFile, Path: metadataPath},
		})
		if err != nil {
			return wrap(Internal, "register wal entry", err)
		}

		if err := os.RemoveAll(envDir); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "remove environment directory", err)
		}
		if err := os.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
			e.Wal.Complete(entry)
			return wrap(Internal, "remove metadata record", err)
		}
		return e.Wal.Complete(entry)
	})
}

// Commit implements spec §4.7 commit(subject): packs the overlay
// upper directory deterministically, stores it as an object, and
// creates a Snapshot layer bound to this environment and its base
// layer. Valid only from Built or Frozen.
func (e *Engine) Commit(subject string) (string, error) {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return "", err
	}
	if r.State != metadata.Built && r.State != metadata.Frozen {
		return "", &Error{Kind: InvalidState, Detail: "commit requires Built or Frozen"}
	}

	_, upper, _, _ := e.envDirs(r.ID)

	var snapshotHash string
	err = e.Lock.WithLock(func() error {
		tarBytes, tarHash, err := layers.Pack(upper)
		if err != nil {
			return wrap(Internal, "pack upper directory", err)
		}
		snapshotHash = layers.SnapshotHash(r.ID, r.BaseLayer, tarHash)

		tarObjectPath := filepath.Join(e.Layout.Objects, tarHash)
		layerManifestPath := filepath.Join(e.Layout.Layers, snapshotHash)

		entry, err := e.Wal.Register(time.Now(), wal.Commit, r.ID, []wal.Step{
			{Kind: wal.RemoveFile, Path: layerManifestPath},
			{Kind: wal.RemoveFile, Path: tarObjectPath},
		})
		if err != nil {
			return wrap(Internal, "register wal entry", err)
		}

		if _, err := e.Objects.Put(tarBytes); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "store snapshot object", err)
		}
		if _, err := e.Layers.Put(layers.Manifest{
			Hash:         snapshotHash,
			Kind:         layers.Snapshot,
			Parent:       r.BaseLayer,
			ObjectHashes: []string{tarHash},
			ReadOnly:     true,
			TarHash:      tarHash,
		}); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "store snapshot layer manifest", err)
		}
		return e.Wal.Complete(entry)
	})
	if err != nil {
		return "", err
	}
	return snapshotHash, nil
}

// Restore implements spec §4.7 restore(subject, snapshot_hash): fetch
// the snapshot layer and tar object, unpack into staging, then
// atomically swap staging with the environment's upper directory.
func (e *Engine) Restore(subject, snapshotHash string) error {
	r, err := e.resolveSubject(subject)
	if err != nil {
		return err
	}

	snapshot, err := e.Layers.Get(snapshotHash)
	if err != nil {
		return wrap(NotFound, "snapshot layer", err)
	}
	if snapshot.Kind != layers.Snapshot {
		return &Error{Kind: Conflict, Detail: "restore target is not a Snapshot layer"}
	}
	if snapshot.Parent != r.BaseLayer {
		return &Error{Kind: Conflict, Detail: "snapshot's base layer does not match this environment's base layer"}
	}

	tarBytes, err := e.Objects.Get(snapshot.TarHash)
	if err != nil {
		return wrap(Internal, "read snapshot object", err)
	}

	stagingDir := filepath.Join(e.Layout.Staging, r.ID+"-restore")
	if err := os.RemoveAll(stagingDir); err != nil {
		return wrap(Internal, "clear staging directory", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return wrap(Internal, "create staging directory", err)
	}
	if err := layers.Unpack(tarBytes, stagingDir); err != nil {
		return wrap(Internal, "unpack snapshot", err)
	}

	_, upper, _, _ := e.envDirs(r.ID)
	backup := upper + ".pre-restore"

	return e.Lock.WithLock(func() error {
		// RestoreBackup is registered before the backup even exists: its
		// rollback is a no-op until the rename below creates it, then
		// stays authoritative over upper for the rest of the operation.
		// That covers every crash point between here and Complete with
		// one rule, not one rule per rename (see wal.RestoreBackup).
		entry, err := e.Wal.Register(time.Now(), wal.Restore, r.ID, []wal.Step{
			{Kind: wal.RemoveDir, Path: stagingDir},
			{Kind: wal.RestoreBackup, Path: upper, From: backup},
		})
		if err != nil {
			return wrap(Internal, "register wal entry", err)
		}

		if err := os.RemoveAll(backup); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "clear pre-restore backup", err)
		}
		if err := os.Rename(upper, backup); err != nil && !os.IsNotExist(err) {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "back up current upper", err)
		}
		if err := os.Rename(stagingDir, upper); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "swap staging into upper", err)
		}
		// Past this point the new content is live at upper, but the
		// entry is still uncompleted: a crash here still rolls all the
		// way back to backup (wal.RestoreBackup), sacrificing the just
		// restored content rather than risk leaving upper half-swapped.
		// A live (non-crash) failure to clean up backup gets the same
		// treatment, so restore never returns an error while leaving a
		// half-committed swap behind.
		if err := os.RemoveAll(backup); err != nil {
			wal.Rollback(entry)
			e.Wal.Complete(entry)
			return wrap(Internal, "remove pre-restore backup", err)
		}
		return e.Wal.Complete(entry)
	})
}

// VerifyStoreReport is the per-class check count from spec §4.7
// verify_store().
type VerifyStoreReport struct {
	Checked int
	Passed  int
	Failed  int
}

// VerifyStore re-reads every object, layer manifest, and metadata
// record, performing the full content checks. Honors cooperative
// cancellation at the object and layer loop boundaries.
func (e *Engine) VerifyStore() (objectsReport, layersReport, metadataReport VerifyStoreReport, err error) {
	objEntries, err := os.ReadDir(e.Layout.Objects)
	if err != nil && !os.IsNotExist(err) {
		return VerifyStoreReport{}, VerifyStoreReport{}, VerifyStoreReport{}, wrap(Internal, "list objects", err)
	}
	for _, entry := range objEntries {
		if e.Cancel.Cancelled() {
			return objectsReport, VerifyStoreReport{}, VerifyStoreReport{}, &Error{Kind: Cancelled, Detail: "verify-store cancelled during object enumeration"}
		}
		objectsReport.Checked++
		if _, err := e.Objects.Get(entry.Name()); err != nil {
			objectsReport.Failed++
		} else {
			objectsReport.Passed++
		}
	}

	layerEntries, err := os.ReadDir(e.Layout.Layers)
	if err != nil && !os.IsNotExist(err) {
		return objectsReport, VerifyStoreReport{}, VerifyStoreReport{}, wrap(Internal, "list layers", err)
	}
	for _, entry := range layerEntries {
		if e.Cancel.Cancelled() {
			return objectsReport, layersReport, VerifyStoreReport{}, &Error{Kind: Cancelled, Detail: "verify-store cancelled during layer enumeration"}
		}
		layersReport.Checked++
		if _, err := e.Layers.Get(entry.Name()); err != nil {
			layersReport.Failed++
		} else {
			layersReport.Passed++
		}
	}

	records, listErr := e.Metadata.List()
	if listErr != nil {
		return objectsReport, layersReport, VerifyStoreReport{}, wrap(Internal, "list metadata", listErr)
	}
	allEntries, _ := os.ReadDir(e.Layout.Metadata)
	metadataReport.Checked = len(allEntries)
	metadataReport.Passed = len(records)
	metadataReport.Failed = metadataReport.Checked - metadataReport.Passed

	return objectsReport, layersReport, metadataReport, nil
}

// GcReport lists what gc found orphan, or (in dry-run mode) would
// remove.
type GcReport struct {
	OrphanEnvironments []string
	OrphanLayers       []string
	OrphanObjects      []string
}

// Gc implements spec §4.7 gc(dry_run, &store_lock): an environment is
// eligible when ref-count is zero and state is not Running or
// Archived. Layers referenced by any live environment are retained;
// snapshot layers whose parent references a retained base layer are
// retained. Objects referenced by any retained layer or any retained
// metadata's manifest_hash are retained. Everything else is orphan.
// Honors cooperative cancellation at each enumeration's loop boundary.
func (e *Engine) Gc(dryRun bool) (GcReport, error) {
	var report GcReport

	err := e.Lock.WithLock(func() error {
		entry, err := e.Wal.Register(time.Now(), wal.Gc, "gc", nil)
		if err != nil {
			return wrap(Internal, "register wal marker", err)
		}
		defer e.Wal.Complete(entry)

		records, err := e.Metadata.List()
		if err != nil {
			return wrap(Internal, "list metadata", err)
		}

		retainedLayers := map[string]bool{}
		retainedObjects := map[string]bool{}
		var orphanEnvs []string

		for _, r := range records {
			if e.Cancel.Cancelled() {
				return &Error{Kind: Cancelled, Detail: "gc cancelled during environment enumeration"}
			}
			eligible := r.RefCount == 0 && r.State != metadata.Running && r.State != metadata.Archived
			if eligible {
				orphanEnvs = append(orphanEnvs, r.ID)
				continue
			}
			retainedLayers[r.BaseLayer] = true
			for _, dep := range r.DependencyLayers {
				retainedLayers[dep] = true
			}
			if r.PolicyLayer != "" {
				retainedLayers[r.PolicyLayer] = true
			}
			retainedObjects[r.ManifestHash] = true
		}

		layerEntries, _ := os.ReadDir(e.Layout.Layers)
		var orphanLayers []string
		for _, le := range layerEntries {
			if e.Cancel.Cancelled() {
				return &Error{Kind: Cancelled, Detail: "gc cancelled during layer enumeration"}
			}
			hash := le.Name()
			if retainedLayers[hash] {
				if m, err := e.Layers.Get(hash); err == nil {
					for _, obj := range m.ObjectHashes {
						retainedObjects[obj] = true
					}
				}
				continue
			}
			// A snapshot whose parent is a retained base layer is kept
			// even though no live environment references the snapshot
			// itself directly.
			if m, err := e.Layers.Get(hash); err == nil && m.Kind == layers.Snapshot && retainedLayers[m.Parent] {
				retainedLayers[hash] = true
				for _, obj := range m.ObjectHashes {
					retainedObjects[obj] = true
				}
				continue
			}
			orphanLayers = append(orphanLayers, hash)
		}

		objEntries, _ := os.ReadDir(e.Layout.Objects)
		var orphanObjects []string
		for _, oe := range objEntries {
			if e.Cancel.Cancelled() {
				return &Error{Kind: Cancelled, Detail: "gc cancelled during object enumeration"}
			}
			if !retainedObjects[oe.Name()] {
				orphanObjects = append(orphanObjects, oe.Name())
			}
		}

		report = GcReport{OrphanEnvironments: orphanEnvs, OrphanLayers: orphanLayers, OrphanObjects: orphanObjects}
		if dryRun {
			return nil
		}

		for _, id := range orphanEnvs {
			os.RemoveAll(e.Layout.EnvDir(id))
			os.Remove(filepath.Join(e.Layout.Metadata, id))
		}
		for _, hash := range orphanLayers {
			os.Remove(filepath.Join(e.Layout.Layers, hash))
		}
		for _, hash := range orphanObjects {
			os.Remove(filepath.Join(e.Layout.Objects, hash))
		}
		return nil
	})

	return report, err
}
