// Package output renders translated field records to a sink. Modules
// are selected by name at startup from a dispatch table, mirroring the
// probe registry.
package output

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/runZeroInc/sweeper/pkg/fieldset"
)

// Sink consumes one translated record at a time. Sinks are owned by the
// receiver thread exclusively and never lock.
type Sink interface {
	Write(values []fieldset.Value) error
	Close() error
}

// Module is a named output renderer.
type Module struct {
	Name string
	// SupportsDynamic marks sinks able to represent per-record field
	// variation; dynamic probes require one.
	SupportsDynamic bool
	// New opens a sink writing the given columns to w.
	New func(w io.Writer, fields []string, headerRow bool) (Sink, error)
}

var registry = map[string]*Module{}

func Register(m *Module) {
	registry[m.Name] = m
}

// Lookup returns an output module by name.
func Lookup(name string) (*Module, error) {
	m, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("specified output module (%s) does not exist", name)
	}
	return m, nil
}

// Names lists registered modules, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenFile resolves an output path; empty and "-" mean stdout.
func OpenFile(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening output file")
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
