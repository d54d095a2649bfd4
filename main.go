package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/docker/docker/client"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
	"github.com/marcoallegretti/karapace/pkg/app"
	"github.com/marcoallegretti/karapace/pkg/cli"
	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/samber/lo"
)

const DEFAULT_VERSION = "unversioned"

const (
	exitOK             = 0
	exitGeneralFailure = 1
	exitManifestError  = 2
	exitStoreError     = 3
)

var (
	commit      string
	version     = DEFAULT_VERSION
	date        string
	buildSource = "unknown"
)

func main() {
	os.Exit(run())
}

// run parses the global flags and the subcommand tree, assembles an
// App, dispatches to the chosen subcommand, and maps the result to an
// exit code per the CoreError/ManifestError/StoreError families.
func run() int {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, buildSource, commit, runtime.GOOS, runtime.GOARCH,
	)

	var (
		storeRoot        string
		verbose          bool
		trace            bool
		jsonOut          bool
		printDefaultConf bool
	)

	flaggy.SetName("karapace")
	flaggy.SetDescription("Deterministic, unprivileged container environments")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/marcoallegretti/karapace"
	flaggy.String(&storeRoot, "", "store", "Override the store root directory")
	flaggy.Bool(&verbose, "", "verbose", "Enable verbose logging")
	flaggy.Bool(&trace, "", "trace", "Enable trace logging")
	flaggy.Bool(&jsonOut, "", "json", "Emit machine-readable JSON instead of text")
	flaggy.Bool(&printDefaultConf, "c", "config", "Print the current default config")
	flaggy.SetVersion(info)

	cmds := cli.Attach()
	flaggy.Parse()

	if printDefaultConf {
		var buf bytes.Buffer
		if err := yaml.NewEncoder(&buf).Encode(config.GetDefaultConfig()); err != nil {
			log.Println(err)
			return exitGeneralFailure
		}
		fmt.Print(buf.String())
		return exitOK
	}

	appConfig, err := config.NewAppConfig("karapace", version, commit, date, buildSource, trace, storeRoot)
	if err != nil {
		log.Println(err)
		return exitGeneralFailure
	}
	if verbose {
		appConfig.Debug = true
	}

	a, err := app.NewApp(appConfig)
	if err != nil {
		return reportAndExit(a, err, jsonOut)
	}
	defer a.Close()

	used, dispatchErr := cmds.Dispatch(cli.Context{App: a, JSON: jsonOut})
	if !used {
		flaggy.ShowHelp("")
		return exitGeneralFailure
	}
	if dispatchErr != nil {
		return reportAndExit(a, dispatchErr, jsonOut)
	}
	return exitOK
}

// reportAndExit prints err (as JSON if requested) and maps it to the
// exit code its error family implies: 2 for a manifest error, 3 for a
// store error, 1 for anything else. A connection-refused dial to the
// Docker daemon gets a friendlier one-line message, same as the
// teacher's main did for its own docker client.
func reportAndExit(a *app.App, err error, jsonOut bool) int {
	if client.IsErrConnectionFailed(err) {
		log.Println("could not reach the Docker daemon: is it running?")
		return exitGeneralFailure
	}

	code := cli.Classify(err)
	if jsonOut {
		fmt.Fprintf(os.Stderr, "{\"error\": %q}\n", err.Error())
	} else {
		newErr := errors.Wrap(err, 0)
		if a != nil && a.Log != nil {
			a.Log.WithError(err).Error("command failed")
		}
		fmt.Fprintln(os.Stderr, newErr.Error())
	}
	return code
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				version = safeTruncate(revision.Value, 7)
			}
			vcsTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = vcsTime.Value
			}
		}
	}
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
