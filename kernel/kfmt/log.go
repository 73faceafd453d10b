// Package kfmt routes kernel log output. Until an output sink is attached
// all output is captured by an in-memory ring buffer; attaching a sink
// replays the buffered output into it.
package kfmt

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// sinkMu guards outputSink and earlyPrintBuffer.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores output produced before
	// SetOutputSink is called.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where all output is sent. If set to nil,
	// then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// sinkWriter forwards writes to the active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}

// SetOutputSink sets the default target for all kernel output to w and
// copies any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the active output sink or nil if output is still
// being buffered.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return outputSink
}

// Logger returns a log entry tagged with the supplied kernel module name.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetLevel changes the verbosity of all kernel loggers. Valid levels are the
// ones understood by logrus.ParseLevel ("debug", "info", "warn", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLevel(lvl)
	return nil
}

// Printf writes unstructured output straight to the active sink.
func Printf(format string, args ...interface{}) {
	Fprintf(sinkWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
