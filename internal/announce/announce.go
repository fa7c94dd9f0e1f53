// Package announce emits the linker directives the enclosing build system
// reads from the orchestrator's output.
package announce

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultPrefix starts every directive line.
const DefaultPrefix = "pgqbuild:"

// ErrAlreadyAnnounced is returned when a build tries to announce twice.
var ErrAlreadyAnnounced = errors.New("announce: linkage already announced")

// Linkage is where the linker finds the library and how it links it.
type Linkage struct {
	SearchDir string
	Lib       string
	// Kind is "static" unless set.
	Kind string
}

func (l Linkage) kind() string {
	if l.Kind == "" {
		return "static"
	}
	return l.Kind
}

// LDFlags returns the linker arguments of the linkage, unquoted.
func (l Linkage) LDFlags() []string {
	return []string{"-L" + l.SearchDir, "-l" + l.Lib}
}

// Announcer writes link directives once.
type Announcer struct {
	w      io.Writer
	prefix string

	mu   sync.Mutex
	done bool
}

// New returns an Announcer writing to w. An empty prefix selects
// DefaultPrefix.
func New(w io.Writer, prefix string) *Announcer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Announcer{w: w, prefix: prefix}
}

// Announce writes the search path and library directives.
func (a *Announcer) Announce(l Linkage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return ErrAlreadyAnnounced
	}
	if l.SearchDir == "" || l.Lib == "" {
		return fmt.Errorf("announce: incomplete linkage %+v", l)
	}
	a.done = true
	_, err := fmt.Fprintf(a.w, "%slink-search=native=%s\n%slink-lib=%s=%s\n",
		a.prefix, l.SearchDir, a.prefix, l.kind(), l.Lib)
	return err
}
