package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/marcoallegretti/karapace/pkg/remote"
	"github.com/marcoallegretti/karapace/pkg/store/layers"
	"github.com/marcoallegretti/karapace/pkg/store/metadata"
)

var (
	colorGood = color.New(color.FgGreen).SprintFunc()
	colorBad  = color.New(color.FgRed).SprintFunc()
)

func cmdBuild(ctx Context, manifestPath string) error {
	r, err := ctx.App.Engine.Build(context.Background(), manifestPath)
	if err != nil {
		return err
	}
	ctx.emit(r, fmt.Sprintf("built %s (%s) state=%s", r.ShortID, r.ID, r.State))
	return nil
}

func cmdRebuild(ctx Context, manifestPath, previousSubject string) error {
	r, err := ctx.App.Engine.Rebuild(context.Background(), manifestPath, previousSubject)
	if err != nil {
		return err
	}
	ctx.emit(r, fmt.Sprintf("rebuilt %s (%s) state=%s", r.ShortID, r.ID, r.State))
	return nil
}

func cmdEnter(ctx Context, subject string) error {
	return ctx.App.Engine.Enter(context.Background(), subject, nil)
}

func cmdExec(ctx Context, subject string, cmd []string) error {
	if len(cmd) == 0 {
		return fmt.Errorf("exec requires a command after --")
	}
	return ctx.App.Engine.Exec(context.Background(), subject, cmd)
}

func cmdStop(ctx Context, subject string) error {
	if err := ctx.App.Engine.Stop(context.Background(), subject); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "status": "stopped"}, "stopped "+subject)
	return nil
}

func cmdFreeze(ctx Context, subject string) error {
	if err := ctx.App.Engine.Freeze(subject); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "status": "frozen"}, "frozen "+subject)
	return nil
}

func cmdArchive(ctx Context, subject string) error {
	if err := ctx.App.Engine.Archive(subject); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "status": "archived"}, "archived "+subject)
	return nil
}

func cmdDestroy(ctx Context, subject string) error {
	if err := ctx.App.Engine.Destroy(context.Background(), subject); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "status": "destroyed"}, "destroyed "+subject)
	return nil
}

func cmdRename(ctx Context, subject, newName string) error {
	if err := ctx.App.Engine.Rename(subject, newName); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "name": newName}, fmt.Sprintf("renamed %s to %s", subject, newName))
	return nil
}

func cmdCommit(ctx Context, subject string) error {
	hash, err := ctx.App.Engine.Commit(subject)
	if err != nil {
		return err
	}
	ctx.emit(map[string]string{"snapshot": hash}, hash)
	return nil
}

func cmdRestore(ctx Context, subject, snapshotHash string) error {
	if err := ctx.App.Engine.Restore(subject, snapshotHash); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "snapshot": snapshotHash, "status": "restored"}, "restored "+subject)
	return nil
}

func cmdList(ctx Context) error {
	records, err := ctx.App.Engine.Metadata.List()
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt < records[j].CreatedAt })
	if ctx.JSON {
		printJSON(records)
		return nil
	}
	for _, r := range records {
		name := r.Name
		if name == "" {
			name = "-"
		}
		state := string(r.State)
		if r.State == metadata.Running {
			state = colorGood(state)
		} else if r.State == metadata.Archived {
			state = colorBad(state)
		}
		fmt.Printf("%-10s %-20s %-10s %s\n", r.ShortID, name, state, r.Backend)
	}
	return nil
}

func cmdInspect(ctx Context, subject string) error {
	record, err := resolveRecord(ctx, subject)
	if err != nil {
		return err
	}
	if ctx.JSON {
		printJSON(record)
		return nil
	}
	fmt.Printf("id:         %s\n", record.ID)
	fmt.Printf("short_id:   %s\n", record.ShortID)
	fmt.Printf("name:       %s\n", record.Name)
	fmt.Printf("state:      %s\n", record.State)
	fmt.Printf("backend:    %s\n", record.Backend)
	fmt.Printf("base_layer: %s\n", record.BaseLayer)
	fmt.Printf("created_at: %s\n", record.CreatedAt)
	fmt.Printf("updated_at: %s\n", record.UpdatedAt)
	fmt.Printf("ref_count:  %d\n", record.RefCount)
	return nil
}

func resolveRecord(ctx Context, subject string) (metadata.Record, error) {
	id, res, err := ctx.App.Engine.Metadata.Resolve(subject)
	if err != nil {
		return metadata.Record{}, err
	}
	if res != metadata.ResolveFound {
		return metadata.Record{}, fmt.Errorf("no environment matches %q", subject)
	}
	return ctx.App.Engine.Metadata.Get(id)
}

// DiffEntry is one path that differs between an environment's current
// upper directory and a named snapshot's unpacked content.
type DiffEntry struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "added", "removed", "modified"
}

// cmdDiff byte-diffs an environment's current upper directory against
// a named snapshot: the snapshot's tar object is unpacked into a
// scratch directory and walked alongside upper, reporting every path
// that was added relative to the snapshot, removed relative to it, or
// present in both with different content.
func cmdDiff(ctx Context, subject, snapshotHash string) error {
	record, err := resolveRecord(ctx, subject)
	if err != nil {
		return err
	}

	snapshot, err := ctx.App.Engine.Layers.Get(snapshotHash)
	if err != nil {
		return err
	}
	if snapshot.Kind != layers.Snapshot {
		return fmt.Errorf("%s is not a Snapshot layer", snapshotHash)
	}
	if snapshot.Parent != record.BaseLayer {
		return fmt.Errorf("snapshot %s does not belong to %s's base layer", snapshotHash, record.ShortID)
	}

	tarBytes, err := ctx.App.Engine.Objects.Get(snapshot.TarHash)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "karapace-diff-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)
	if err := layers.Unpack(tarBytes, scratch); err != nil {
		return err
	}

	upper := filepath.Join(ctx.App.Engine.Layout.EnvDir(record.ID), "upper")
	current, err := relPathSet(upper)
	if err != nil {
		return err
	}
	prior, err := relPathSet(scratch)
	if err != nil {
		return err
	}

	var entries []DiffEntry
	for rel := range current {
		if _, ok := prior[rel]; !ok {
			entries = append(entries, DiffEntry{Path: rel, Status: "added"})
			continue
		}
		same, err := sameContent(filepath.Join(upper, rel), filepath.Join(scratch, rel))
		if err != nil {
			return err
		}
		if !same {
			entries = append(entries, DiffEntry{Path: rel, Status: "modified"})
		}
	}
	for rel := range prior {
		if _, ok := current[rel]; !ok {
			entries = append(entries, DiffEntry{Path: rel, Status: "removed"})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if ctx.JSON {
		printJSON(entries)
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %s\n", e.Status, e.Path)
	}
	return nil
}

// relPathSet walks root and returns the set of relative paths to its
// non-directory entries. A missing root (an environment with an empty
// upper, or a snapshot with no content) yields an empty set, not an
// error.
func relPathSet(root string) (map[string]bool, error) {
	set := map[string]bool{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		set[rel] = true
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return set, nil
}

// sameContent reports whether two paths present on both sides of the
// diff hold identical content: symlink targets for symlinks, byte
// content for everything else.
func sameContent(a, b string) (bool, error) {
	infoA, err := os.Lstat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Lstat(b)
	if err != nil {
		return false, err
	}
	if infoA.Mode()&os.ModeSymlink != 0 || infoB.Mode()&os.ModeSymlink != 0 {
		if infoA.Mode()&os.ModeSymlink == 0 || infoB.Mode()&os.ModeSymlink == 0 {
			return false, nil
		}
		linkA, err := os.Readlink(a)
		if err != nil {
			return false, err
		}
		linkB, err := os.Readlink(b)
		if err != nil {
			return false, err
		}
		return linkA == linkB, nil
	}

	dataA, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	dataB, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(dataA, dataB), nil
}

// cmdSnapshots lists every Snapshot layer whose parent is this
// environment's base layer.
func cmdSnapshots(ctx Context, subject string) error {
	record, err := resolveRecord(ctx, subject)
	if err != nil {
		return err
	}
	all, err := ctx.App.Engine.Layers.List()
	if err != nil {
		return err
	}
	var snapshots []layers.Manifest
	for _, m := range all {
		if m.Kind == layers.Snapshot && m.Parent == record.BaseLayer {
			snapshots = append(snapshots, m)
		}
	}
	if ctx.JSON {
		printJSON(snapshots)
		return nil
	}
	for _, m := range snapshots {
		fmt.Println(m.Hash)
	}
	return nil
}

func cmdGc(ctx Context, dryRun bool) error {
	report, err := ctx.App.Engine.Gc(dryRun)
	if err != nil {
		return err
	}
	ctx.emit(report, fmt.Sprintf(
		"orphan environments=%d layers=%d objects=%d (dry_run=%v)",
		len(report.OrphanEnvironments), len(report.OrphanLayers), len(report.OrphanObjects), dryRun,
	))
	return nil
}

func cmdVerifyStore(ctx Context) error {
	objectsReport, layersReport, metadataReport, err := ctx.App.Engine.VerifyStore()
	if err != nil {
		return err
	}
	out := map[string]interface{}{"objects": objectsReport, "layers": layersReport, "metadata": metadataReport}
	if ctx.JSON {
		printJSON(out)
	} else {
		fmt.Printf("objects:  checked=%d passed=%d failed=%d\n", objectsReport.Checked, objectsReport.Passed, objectsReport.Failed)
		fmt.Printf("layers:   checked=%d passed=%d failed=%d\n", layersReport.Checked, layersReport.Passed, layersReport.Failed)
		fmt.Printf("metadata: checked=%d passed=%d failed=%d\n", metadataReport.Checked, metadataReport.Passed, metadataReport.Failed)
	}
	if objectsReport.Failed > 0 || layersReport.Failed > 0 || metadataReport.Failed > 0 {
		return fmt.Errorf("verify-store found %d failed check(s)", objectsReport.Failed+layersReport.Failed+metadataReport.Failed)
	}
	return nil
}

func cmdPush(ctx Context, subject, remoteURL, nameTag string) error {
	if remoteURL == "" {
		return fmt.Errorf("push requires --remote")
	}
	record, err := resolveRecord(ctx, subject)
	if err != nil {
		return err
	}
	client := remote.NewClient(remoteURL)
	e := ctx.App.Engine
	pushedAt := time.Now().UTC().Format(time.RFC3339)
	if err := remote.Push(client, e.Objects, e.Layers, e.Metadata, e.Lock, record.ID, nameTag, pushedAt); err != nil {
		return err
	}
	ctx.emit(map[string]string{"subject": subject, "remote": remoteURL, "tag": nameTag}, "pushed "+subject+" to "+remoteURL)
	return nil
}

func cmdPull(ctx Context, reference, remoteURL string) error {
	if remoteURL == "" {
		return fmt.Errorf("pull requires --remote")
	}
	client := remote.NewClient(remoteURL)
	e := ctx.App.Engine
	record, err := remote.Pull(client, e.Objects, e.Layers, e.Metadata, e.Wal, e.Lock, reference)
	if err != nil {
		return err
	}
	ctx.emit(record, fmt.Sprintf("pulled %s (%s) state=%s", record.ShortID, record.ID, record.State))
	return nil
}

func cmdDoctor(ctx Context) error {
	names := []string{"namespace", "oci", "mock"}
	report := map[string]bool{}
	for _, name := range names {
		b, ok := ctx.App.Engine.Backends.Get(name)
		report[name] = ok && b.Available()
	}
	if ctx.JSON {
		printJSON(report)
		return nil
	}
	for _, name := range names {
		status := colorBad("unavailable")
		if report[name] {
			status = colorGood("available")
		}
		fmt.Printf("%-10s %s\n", name, status)
	}
	return nil
}

func cmdMigrate(ctx Context) error {
	msg := "store format is current; no migration needed"
	ctx.emit(map[string]string{"status": msg}, msg)
	return nil
}

func cmdCompletions(ctx Context, shell string) error {
	names := []string{
		"build", "rebuild", "enter", "exec", "stop", "freeze", "archive", "destroy",
		"rename", "commit", "restore", "list", "inspect", "diff", "snapshots", "gc",
		"verify-store", "push", "pull", "doctor", "migrate", "completions", "man-pages",
	}
	switch shell {
	case "bash":
		fmt.Printf("complete -W \"%s\" karapace\n", strings.Join(names, " "))
	case "zsh":
		fmt.Printf("#compdef karapace\ncompadd %s\n", strings.Join(names, " "))
	case "fish":
		for _, n := range names {
			fmt.Printf("complete -c karapace -n '__fish_use_subcommand' -a %s\n", n)
		}
	default:
		return fmt.Errorf("unsupported shell %q: want bash, zsh, or fish", shell)
	}
	return nil
}

func cmdManPages(ctx Context) error {
	fmt.Println("KARAPACE(1)")
	fmt.Println()
	for _, line := range []string{
		"build <manifest>          build an environment from a manifest",
		"rebuild <manifest>        rebuild, replacing a prior build",
		"enter <subject>           enter an environment's shell",
		"exec <subject> -- <cmd>   run a command inside an environment",
		"stop <subject>            stop a running environment",
		"freeze <subject>          mark an environment frozen",
		"archive <subject>         archive an environment",
		"destroy <subject>         destroy an environment",
		"rename <subject> <name>   rename an environment",
		"commit <subject>          snapshot an environment's filesystem",
		"restore <subject> <hash>  restore an environment to a snapshot",
		"list                      list every environment",
		"inspect <subject>         show one environment's metadata",
		"diff <subject> <hash>     byte-diff current state against a snapshot",
		"snapshots <subject>       list snapshots committed against an environment",
		"gc [--dry-run]            collect orphaned store entries",
		"verify-store              re-check every stored object/layer/record",
		"push <subject> --remote   push an environment to a remote store",
		"pull <reference> --remote pull an environment from a remote store",
		"doctor                    report which backends are available",
		"migrate                   check the on-disk store format version",
		"completions <shell>       print a shell completion script",
		"man-pages                 print this summary",
	} {
		fmt.Println("  " + line)
	}
	return nil
}
