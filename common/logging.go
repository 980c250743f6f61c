// Package common provides logging infrastructure shared by every subsystem
// of the appview core: the firehose consumer, the queue, the commit
// processor, the pending buffer, and the read-path components.
//
// Logging is built on logrus with a splitter writer that sends error-level
// entries to stderr and everything else to stdout, so container log
// collectors can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output by inspecting the formatted line for
// "level=error" and sending matches to stderr, everything else to stdout.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the base logrus instance every component derives a
// ContextLogger from. It is not meant to be logged to directly outside of
// this package's own helpers.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Configure applies the process-wide log level and format, called once at
// startup from cli.RootCmd after config is loaded.
func Configure(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
