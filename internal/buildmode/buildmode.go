// Package buildmode decides whether the backend sidecar is launched at all.
//
// A packaged (release) build launches the bundled backend; a development
// build assumes the developer runs the backend by hand with hot reload.
// The default is fixed at link time:
//
//	go build -ldflags "-X github.com/benaskins/talkingdata/internal/buildmode.linked=packaged"
//
// and can be overridden at startup so one binary can be exercised in both modes.
package buildmode

import (
	"fmt"
	"strings"
)

// Mode is the build classification of the running host.
type Mode string

const (
	Development Mode = "development"
	Packaged    Mode = "packaged"
)

// EnvVar overrides the linked mode when set.
const EnvVar = "TALKINGDATA_BUILD_MODE"

// linked is set with -ldflags -X. Anything unparseable falls back to development.
var linked = "development"

// Default returns the mode this binary was linked with.
func Default() Mode {
	m, err := Parse(linked)
	if err != nil {
		return Development
	}
	return m
}

// Parse converts a mode name. "dev", "debug", "release" and "production"
// are accepted as aliases.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "debug":
		return Development, nil
	case "packaged", "release", "production":
		return Packaged, nil
	default:
		return "", fmt.Errorf("unknown build mode %q (expected development or packaged)", s)
	}
}

// Resolve returns the first non-empty override, parsed, or Default() when
// every override is empty. Overrides are given highest precedence first.
func Resolve(overrides ...string) (Mode, error) {
	for _, o := range overrides {
		if strings.TrimSpace(o) == "" {
			continue
		}
		return Parse(o)
	}
	return Default(), nil
}

// LaunchesSidecar reports whether the supervisor should spawn the backend.
func (m Mode) LaunchesSidecar() bool {
	return m == Packaged
}

func (m Mode) String() string {
	return string(m)
}
