package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var anyLog = false
var kernel = false
var codec = false
var registry = false
var dispatch = false
var cli = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{FullTimestamp: true}
var plainFormatterInstance = &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Level = level
	logger.Logger.Formatter = textFormatterInstance
	var out io.Writer = os.Stderr
	if logOut != nil {
		out = logOut
	}
	logger.Logger.Out = out
	if f, ok := out.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) {
			logger.Logger.Out = colorable.NewColorable(f)
		} else {
			logger.Logger.Formatter = plainFormatterInstance
		}
	}
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that emits debug output when flag
// is set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	level := logrus.ErrorLevel
	if flag {
		level = logrus.DebugLevel
	}
	return makeLogger(level, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return anyLog
}

// Kernel returns true if calls into the Mach kernel should be logged.
func Kernel() bool {
	return kernel
}

// KernelLogger returns a logger for the kernel backend.
func KernelLogger() Logger {
	return makeFlaggableLogger(kernel, Fields{"layer": "kernel"})
}

// Codec returns true if every message received or sent on an exception
// port should be logged.
func Codec() bool {
	return codec
}

// CodecLogger returns a logger for exception messages.
func CodecLogger() Logger {
	return makeFlaggableLogger(codec, Fields{"layer": "codec"})
}

// Registry returns true if the previous-handler registry should log.
func Registry() bool {
	return registry
}

// RegistryLogger returns a logger for the previous-handler registry.
func RegistryLogger() Logger {
	return makeFlaggableLogger(registry, Fields{"layer": "seh", "kind": "registry"})
}

// Dispatch returns true if the exception dispatch loop should log.
func Dispatch() bool {
	return dispatch
}

// DispatchLogger returns a logger for the dispatch loop. When dispatch
// logging is enabled the loop also logs the register state at trace level.
func DispatchLogger() Logger {
	level := logrus.ErrorLevel
	if dispatch {
		level = logrus.TraceLevel
	}
	return makeLogger(level, Fields{"layer": "seh", "kind": "dispatch"})
}

// CLI returns true if the command line driver should log.
func CLI() bool {
	return cli
}

// CLILogger returns a logger for the command line driver.
func CLILogger() Logger {
	return makeFlaggableLogger(cli, Fields{"layer": "cli"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr, clearing
// the ones set by a previous call.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	anyLog, kernel, codec, registry, dispatch, cli = false, false, false, false, false, false
	logOut = nil
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "machexc-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dispatch"
	}
	anyLog = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "kernel":
			kernel = true
		case "codec":
			codec = true
		case "registry":
			registry = true
		case "dispatch":
			dispatch = true
		case "cli":
			cli = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
