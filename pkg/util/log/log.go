// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process logger. It discards everything until InitLogger is called.
var Logger = log.NewNopLogger()

// InitLogger builds a logger writing to stderr in the given format and filtered by lvl,
// and makes it the process logger.
func InitLogger(format string, lvl dslog.Level) log.Logger {
	logger := dslog.NewGoKitWithLevel(lvl, format)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	Logger = logger
	return logger
}

// CheckFatal logs err and exits if it is not nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	if err := logger.Log("err", fmt.Sprintf("%+v", err)); err != nil {
		fmt.Fprintf(os.Stderr, "logger failure: %v\nerror %s: %+v\n", err, location, err)
	}
	os.Exit(1)
}
