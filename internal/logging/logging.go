// Package logging builds the logrus logger shared by the CLI and the server.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TimeLayout is the timestamp layout of log lines, e.g. "Sat, 18 Oct 2026 09:12:03".
const TimeLayout = "Mon, 02 Jan 2006 15:04:05"

// Formatter writes "LEVEL @ time: message" lines followed by any fields as key=value.
type Formatter struct{}

// Format implements logrus.Formatter.
func (Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	level := strings.ToUpper(e.Level.String())
	if level == "WARNING" {
		level = "WARN"
	}
	fmt.Fprintf(&b, "%-5s @ %s: %s", level, e.Time.Format(TimeLayout), e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// New returns a logger writing to w (stderr when nil). A quiet logger only
// reports warnings and errors.
func New(verbose bool, w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(Formatter{})
	if verbose {
		l.SetLevel(logrus.InfoLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// Component returns an entry tagged with the component name.
func Component(l logrus.FieldLogger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Discard returns an entry that drops everything, for tests and library callers
// that pass no logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// ParseVerbose accepts the TRUE/FALSE spelling of the verbose flag as well as
// the usual boolean forms.
func ParseVerbose(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE", "T", "1", "YES", "Y":
		return true, nil
	case "FALSE", "F", "0", "NO", "N":
		return false, nil
	}
	return false, fmt.Errorf("invalid verbose value %q: expected TRUE or FALSE", s)
}
