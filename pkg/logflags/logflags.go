package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	loader bool
	native bool
	cli    bool
)

// logOut is the file given to Setup, nil for standard error.
var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Loader returns true if the loader package should log.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for the binary loader.
func LoaderLogger() Logger {
	return makeLogger(loader, Fields{"layer": "loader"})
}

// Native returns true if the ptrace backend should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the ptrace backend.
func NativeLogger() Logger {
	return makeLogger(native, Fields{"layer": "native"})
}

// CLI returns true if the command line tool should log.
func CLI() bool {
	return cli
}

// CLILogger returns a logger for the command line tool.
func CLILogger() Logger {
	return makeLogger(cli, Fields{"layer": "cli"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// UnknownLayerError is returned by Setup for a layer name it does not know.
type UnknownLayerError struct {
	Layer string
}

func (err *UnknownLayerError) Error() string {
	return fmt.Sprintf("unknown log layer %q, valid layers are loader, native and cli", err.Layer)
}

// Setup sets the log flags based on the contents of logstr, a comma
// separated list of layers. If logDest is not empty logs are appended to
// it instead of standard error.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "cli"
	}
	for _, layer := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(layer) {
		case "loader":
			loader = true
		case "native":
			native = true
		case "cli":
			cli = true
		case "":
		default:
			return &UnknownLayerError{Layer: layer}
		}
	}
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logOut = f
		log.SetOutput(f)
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

// DefaultFormatter provides a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
func DefaultFormatter() logrus.Formatter {
	return textFormatterInstance
}

var textFormatterInstance = &logrus.TextFormatter{
	DisableColors:   true,
	FullTimestamp:   true,
	TimestampFormat: "2006-01-02T15:04:05Z07:00",
}
