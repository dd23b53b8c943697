// Package sidecar resolves the bundled backend executable and the fixed
// argument list it is launched with.
package sidecar

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultName is the base name the packaging script gives the backend binary.
	DefaultName = "backend"

	// DefaultPort is the port the backend is told to listen on.
	DefaultPort = 8808
)

// Spec is the resolved executable identity plus its launch arguments.
// It is built once per launch attempt and not modified afterwards.
type Spec struct {
	Name string
	Path string
	Port int

	args []string
}

func newSpec(name, path string, port int) *Spec {
	return &Spec{
		Name: name,
		Path: path,
		Port: port,
		args: []string{"--port", strconv.Itoa(port)},
	}
}

// Args returns a copy of the launch arguments.
func (s *Spec) Args() []string {
	out := make([]string, len(s.args))
	copy(out, s.args)
	return out
}

// String renders the spec as a command line, for logs.
func (s *Spec) String() string {
	return s.Path + " " + strings.Join(s.args, " ")
}

// ResolutionError means the bundled executable is missing or the platform
// has no bundled build.
type ResolutionError struct {
	Name   string
	Dir    string
	Tried  []string
	Reason string
}

func (e *ResolutionError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("resolving sidecar %q in %s: %s", e.Name, e.Dir, e.Reason)
	}
	return fmt.Sprintf("resolving sidecar %q in %s: %s (tried %s)",
		e.Name, e.Dir, e.Reason, strings.Join(e.Tried, ", "))
}
