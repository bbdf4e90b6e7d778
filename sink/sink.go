// Package sink defines the write-only byte consumers a Bus fans captured
// stream bytes out to, and provides the three concrete sinks the core needs:
// an appending log file, and pass-throughs to the supervisor's own stdout
// and stderr.
package sink

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Sink is the only contract the core requires of a consumer.
type Sink interface {
	io.Writer
}

// LogFile appends every write to a file opened in create+append mode.
type LogFile struct {
	f *os.File
}

// NewLogFile opens path for appending, creating it if necessary.
func NewLogFile(path string) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log sink %q", path)
	}
	return &LogFile{f: f}, nil
}

func (l *LogFile) Write(p []byte) (int, error) { return l.f.Write(p) }

// Close closes the underlying file.
func (l *LogFile) Close() error { return l.f.Close() }

// Stdout writes to the supervisor's own stdout.
type Stdout struct{}

func (Stdout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// Stderr writes to the supervisor's own stderr.
type Stderr struct{}

func (Stderr) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
