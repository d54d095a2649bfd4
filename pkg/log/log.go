// Package log builds the structured logger every engine operation logs
// through, one entry per process carrying build and store identity.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/marcoallegretti/karapace/pkg/config"
	"github.com/sirupsen/logrus"
)

const logFileName = "karapace.log"

// NewLogger builds the root logrus.Entry for cfg, JSON-formatted and
// pre-populated with the fields every operation's log line should carry.
// In debug mode (cfg.Debug or DEBUG=TRUE) it writes to
// <config dir>/karapace.log at the level named by KARAPACE_LOG, or at
// debug level when that is unset or unparsable. Otherwise it logs at
// error level to io.Discard: nothing is written and KARAPACE_LOG is not
// read.
func NewLogger(cfg *config.AppConfig) *logrus.Entry {
	var logger *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		logger = newDebugLogger(cfg)
	} else {
		logger = newQuietLogger()
	}

	logger.Formatter = &logrus.JSONFormatter{}

	return logger.WithFields(logrus.Fields{
		"debug":      cfg.Debug,
		"version":    cfg.Version,
		"commit":     cfg.Commit,
		"buildDate":  cfg.BuildDate,
		"store_root": cfg.StoreRoot,
	})
}

func logLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("KARAPACE_LOG"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

// newDebugLogger logs to <config dir>/karapace.log rather than stdout, so
// a foreground `enter`/`exec` session's own stdout stays clean.
func newDebugLogger(cfg *config.AppConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logLevel())
	file, err := os.OpenFile(filepath.Join(cfg.ConfigDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	logger.SetOutput(file)
	return logger
}

func newQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
