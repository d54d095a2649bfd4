// Package cli wires the karapace subcommand family onto flaggy and
// dispatches each one against an assembled app.App, the way the
// teacher wired its own top-level flags in main.go. It replaces the
// teacher's single GUI entry point with one dispatcher per spec §6
// operation.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/integrii/flaggy"
	"github.com/marcoallegretti/karapace/pkg/app"
	"github.com/marcoallegretti/karapace/pkg/manifest"
	"github.com/marcoallegretti/karapace/pkg/storeerr"
)

// Context carries what a subcommand handler needs: the assembled app
// and whether output should be JSON.
type Context struct {
	App  *app.App
	JSON bool
}

// Classify maps an error to the exit code its family implies: 2 when
// err is or wraps a ManifestError, 3 when it is or wraps a StoreError,
// 1 for anything else, including a CoreError wrapping neither (spec §6
// exit codes).
func Classify(err error) int {
	if err == nil {
		return 0
	}
	var manifestErr *manifest.Error
	if errors.As(err, &manifestErr) {
		return 2
	}
	var storeErr *storeerr.Error
	if errors.As(err, &storeErr) {
		return 3
	}
	return 1
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (c Context) emit(v interface{}, line string) {
	if c.JSON {
		printJSON(v)
		return
	}
	fmt.Println(line)
}

// commandSet holds every subcommand and the captured flag/positional
// variables they share, and dispatches the one flaggy marked Used.
type commandSet struct {
	build, rebuild                              *flaggy.Subcommand
	enter, exec, stop, freeze, archive, destroy  *flaggy.Subcommand
	rename, commit, restore                      *flaggy.Subcommand
	list, inspect, diff, snapshots               *flaggy.Subcommand
	gc, verifyStore                              *flaggy.Subcommand
	push, pull                                   *flaggy.Subcommand
	doctor, migrate, completions, manPages        *flaggy.Subcommand

	manifestPath, previousSubject string
	subject, newName              string
	snapshotHash                  string
	nameTag, remoteURL            string
	dryRun                        bool
	shellName                     string
}

// Attach builds the subcommand tree and registers it with flaggy's
// top-level parser. Call flaggy.Parse() after this, then Dispatch.
func Attach() *commandSet {
	cs := &commandSet{}

	cs.build = flaggy.NewSubcommand("build")
	cs.build.Description = "Build an environment from a manifest"
	cs.build.AddPositionalValue(&cs.manifestPath, "manifest", 1, true, "path to the manifest file")
	flaggy.AttachSubcommand(cs.build, 1)

	cs.rebuild = flaggy.NewSubcommand("rebuild")
	cs.rebuild.Description = "Build a fresh environment from a manifest, replacing a previous one"
	cs.rebuild.AddPositionalValue(&cs.manifestPath, "manifest", 1, true, "path to the manifest file")
	cs.rebuild.String(&cs.previousSubject, "", "previous", "environment id, name, or prefix this rebuild supersedes")
	flaggy.AttachSubcommand(cs.rebuild, 1)

	cs.enter = flaggy.NewSubcommand("enter")
	cs.enter.Description = "Enter an environment's shell"
	cs.enter.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.enter, 1)

	cs.exec = flaggy.NewSubcommand("exec")
	cs.exec.Description = "Run a command inside an environment (pass the command after --)"
	cs.exec.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.exec, 1)

	cs.stop = flaggy.NewSubcommand("stop")
	cs.stop.Description = "Stop a running environment"
	cs.stop.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.stop, 1)

	cs.freeze = flaggy.NewSubcommand("freeze")
	cs.freeze.Description = "Mark a built environment frozen"
	cs.freeze.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.freeze, 1)

	cs.archive = flaggy.NewSubcommand("archive")
	cs.archive.Description = "Archive a built or frozen environment"
	cs.archive.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.archive, 1)

	cs.destroy = flaggy.NewSubcommand("destroy")
	cs.destroy.Description = "Destroy an environment (forbidden while Running)"
	cs.destroy.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.destroy, 1)

	cs.rename = flaggy.NewSubcommand("rename")
	cs.rename.Description = "Rename an environment"
	cs.rename.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	cs.rename.AddPositionalValue(&cs.newName, "name", 2, true, "new name")
	flaggy.AttachSubcommand(cs.rename, 1)

	cs.commit = flaggy.NewSubcommand("commit")
	cs.commit.Description = "Snapshot an environment's current filesystem state"
	cs.commit.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.commit, 1)

	cs.restore = flaggy.NewSubcommand("restore")
	cs.restore.Description = "Restore an environment to a prior snapshot"
	cs.restore.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	cs.restore.AddPositionalValue(&cs.snapshotHash, "snapshot", 2, true, "snapshot layer hash")
	flaggy.AttachSubcommand(cs.restore, 1)

	cs.list = flaggy.NewSubcommand("list")
	cs.list.Description = "List every environment in the store"
	flaggy.AttachSubcommand(cs.list, 1)

	cs.inspect = flaggy.NewSubcommand("inspect")
	cs.inspect.Description = "Show one environment's full metadata record"
	cs.inspect.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.inspect, 1)

	cs.diff = flaggy.NewSubcommand("diff")
	cs.diff.Description = "Byte-diff an environment's current upper directory against a snapshot"
	cs.diff.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	cs.diff.AddPositionalValue(&cs.snapshotHash, "snapshot", 2, true, "snapshot layer hash to diff against")
	flaggy.AttachSubcommand(cs.diff, 1)

	cs.snapshots = flaggy.NewSubcommand("snapshots")
	cs.snapshots.Description = "List the snapshots committed against an environment"
	cs.snapshots.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	flaggy.AttachSubcommand(cs.snapshots, 1)

	cs.gc = flaggy.NewSubcommand("gc")
	cs.gc.Description = "Collect orphaned environments, layers, and objects"
	cs.gc.Bool(&cs.dryRun, "", "dry-run", "report what would be collected without deleting it")
	flaggy.AttachSubcommand(cs.gc, 1)

	cs.verifyStore = flaggy.NewSubcommand("verify-store")
	cs.verifyStore.Description = "Re-check every object, layer, and metadata record"
	flaggy.AttachSubcommand(cs.verifyStore, 1)

	cs.push = flaggy.NewSubcommand("push")
	cs.push.Description = "Push an environment's objects, layers, and metadata to a remote store"
	cs.push.AddPositionalValue(&cs.subject, "subject", 1, true, "environment id, name, or unique prefix")
	cs.push.String(&cs.remoteURL, "", "remote", "remote store base URL")
	cs.push.String(&cs.nameTag, "", "tag", "name@tag to bind in the remote registry")
	flaggy.AttachSubcommand(cs.push, 1)

	cs.pull = flaggy.NewSubcommand("pull")
	cs.pull.Description = "Pull an environment from a remote store by id or name@tag"
	cs.pull.AddPositionalValue(&cs.subject, "reference", 1, true, "environment id or name@tag")
	cs.pull.String(&cs.remoteURL, "", "remote", "remote store base URL")
	flaggy.AttachSubcommand(cs.pull, 1)

	cs.doctor = flaggy.NewSubcommand("doctor")
	cs.doctor.Description = "Report which backends are available on this host"
	flaggy.AttachSubcommand(cs.doctor, 1)

	cs.migrate = flaggy.NewSubcommand("migrate")
	cs.migrate.Description = "Check the on-disk store format version"
	flaggy.AttachSubcommand(cs.migrate, 1)

	cs.completions = flaggy.NewSubcommand("completions")
	cs.completions.Description = "Print a shell completion script"
	cs.completions.AddPositionalValue(&cs.shellName, "shell", 1, true, "bash, zsh, or fish")
	flaggy.AttachSubcommand(cs.completions, 1)

	cs.manPages = flaggy.NewSubcommand("man-pages")
	cs.manPages.Description = "Print a man-page-style summary of every subcommand"
	flaggy.AttachSubcommand(cs.manPages, 1)

	return cs
}

// Dispatch runs the subcommand flaggy marked Used. used is false if
// no subcommand was invoked; err is then nil.
func (cs *commandSet) Dispatch(ctx Context) (used bool, err error) {
	switch {
	case cs.build.Used:
		return true, cmdBuild(ctx, cs.manifestPath)
	case cs.rebuild.Used:
		return true, cmdRebuild(ctx, cs.manifestPath, cs.previousSubject)
	case cs.enter.Used:
		return true, cmdEnter(ctx, cs.subject)
	case cs.exec.Used:
		return true, cmdExec(ctx, cs.subject, flaggy.TrailingArguments)
	case cs.stop.Used:
		return true, cmdStop(ctx, cs.subject)
	case cs.freeze.Used:
		return true, cmdFreeze(ctx, cs.subject)
	case cs.archive.Used:
		return true, cmdArchive(ctx, cs.subject)
	case cs.destroy.Used:
		return true, cmdDestroy(ctx, cs.subject)
	case cs.rename.Used:
		return true, cmdRename(ctx, cs.subject, cs.newName)
	case cs.commit.Used:
		return true, cmdCommit(ctx, cs.subject)
	case cs.restore.Used:
		return true, cmdRestore(ctx, cs.subject, cs.snapshotHash)
	case cs.list.Used:
		return true, cmdList(ctx)
	case cs.inspect.Used:
		return true, cmdInspect(ctx, cs.subject)
	case cs.diff.Used:
		return true, cmdDiff(ctx, cs.subject, cs.snapshotHash)
	case cs.snapshots.Used:
		return true, cmdSnapshots(ctx, cs.subject)
	case cs.gc.Used:
		return true, cmdGc(ctx, cs.dryRun)
	case cs.verifyStore.Used:
		return true, cmdVerifyStore(ctx)
	case cs.push.Used:
		return true, cmdPush(ctx, cs.subject, cs.remoteURL, cs.nameTag)
	case cs.pull.Used:
		return true, cmdPull(ctx, cs.subject, cs.remoteURL)
	case cs.doctor.Used:
		return true, cmdDoctor(ctx)
	case cs.migrate.Used:
		return true, cmdMigrate(ctx)
	case cs.completions.Used:
		return true, cmdCompletions(ctx, cs.shellName)
	case cs.manPages.Used:
		return true, cmdManPages(ctx)
	default:
		return false, nil
	}
}
