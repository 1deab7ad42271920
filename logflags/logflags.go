package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ptrace    = false
	inferior  = false
	stopPoint = false
	session   = false

	logOut io.Writer = os.Stderr
)

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = logOut
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Ptrace returns true if every request served by the trace server should be
// logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the trace server.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "ptrace"})
}

// Inferior returns true if the inferior process controller should log.
func Inferior() bool {
	return inferior
}

// InferiorLogger returns a logger for the inferior process controller.
func InferiorLogger() *logrus.Entry {
	return makeLogger(inferior, logrus.Fields{"layer": "inferior"})
}

// StopPoint returns true if the breakpoint and watchpoint engines should log.
func StopPoint() bool {
	return stopPoint
}

func StopPointLogger() *logrus.Entry {
	return makeLogger(stopPoint, logrus.Fields{"layer": "stoppoint"})
}

// Session returns true if debug session transitions should be logged.
func Session() bool {
	return session
}

func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

// Setup sets the log flags based on the contents of logstr.  When logDest is
// non-empty, log output is appended to that file instead of stderr.
func Setup(logFlag bool, logstr string, logDest string) error {
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}

	if logDest != "" {
		file, err := os.OpenFile(
			logDest,
			os.O_CREATE|os.O_APPEND|os.O_WRONLY,
			0644)
		if err != nil {
			return fmt.Errorf("failed to open log destination %s: %w", logDest, err)
		}
		logOut = file
	}

	if logstr == "" {
		logstr = "session"
	}

	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "ptrace":
			ptrace = true
		case "inferior":
			inferior = true
		case "stoppoint":
			stopPoint = true
		case "session":
			session = true
		default:
			return fmt.Errorf("unknown log layer: %s", logcmd)
		}
	}
	return nil
}

// Reset disables every layer and restores stderr as the log destination.
func Reset() {
	ptrace = false
	inferior = false
	stopPoint = false
	session = false
	logOut = os.Stderr
}
