package sidecar

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/benaskins/talkingdata/internal/port"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// targetTriples maps GOOS/GOARCH to the triple suffix the packaging script
// appends to the binary name.
var targetTriples = map[string]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
	"windows/arm64": "aarch64-pc-windows-msvc",
}

// TargetTriple returns the bundle triple for a platform, or false if no
// sidecar is built for it.
func TargetTriple(goos, goarch string) (string, bool) {
	t, ok := targetTriples[goos+"/"+goarch]
	return t, ok
}

// Resolver finds the bundled executable for one platform.
type Resolver struct {
	GOOS   string
	GOARCH string
}

// Resolve looks up the named sidecar in binDir for the running platform.
// An empty binDir means the directory of the host executable.
func Resolve(name, binDir string, portNum int) (*Spec, error) {
	r := Resolver{GOOS: runtime.GOOS, GOARCH: runtime.GOARCH}
	return r.Resolve(name, binDir, portNum)
}

// Resolve looks for <name>-<triple>[.exe] and then <name>[.exe] in binDir.
func (r Resolver) Resolve(name, binDir string, portNum int) (*Spec, error) {
	if name == "" {
		name = DefaultName
	}
	if portNum == 0 {
		portNum = DefaultPort
	}
	if binDir == "" {
		dir, err := hostDir()
		if err != nil {
			return nil, &ResolutionError{Name: name, Dir: "<unknown>", Reason: err.Error()}
		}
		binDir = dir
	}

	if !nameRe.MatchString(name) {
		return nil, &ResolutionError{Name: name, Dir: binDir, Reason: "invalid sidecar name"}
	}
	if err := port.Validate(portNum); err != nil {
		return nil, &ResolutionError{Name: name, Dir: binDir, Reason: err.Error()}
	}

	triple, ok := TargetTriple(r.GOOS, r.GOARCH)
	if !ok {
		return nil, &ResolutionError{
			Name:   name,
			Dir:    binDir,
			Reason: fmt.Sprintf("no bundled sidecar for platform %s/%s", r.GOOS, r.GOARCH),
		}
	}

	ext := ""
	if r.GOOS == "windows" {
		ext = ".exe"
	}
	candidates := []string{
		filepath.Join(binDir, name+"-"+triple+ext),
		filepath.Join(binDir, name+ext),
	}

	// A candidate that exists but is unusable explains more than a missing one.
	reason := reasonNotFound
	for _, path := range candidates {
		why := check(path)
		if why == "" {
			return newSpec(name, path, portNum), nil
		}
		if reason == reasonNotFound {
			reason = why
		}
	}

	return nil, &ResolutionError{Name: name, Dir: binDir, Tried: candidates, Reason: reason}
}

const reasonNotFound = "executable not found"

// check returns an empty string when path is a regular file. Permission to
// run it is left to the spawn, which reports a SpawnError.
func check(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reasonNotFound
		}
		return err.Error()
	}
	if info.IsDir() {
		return path + " is a directory"
	}
	return ""
}

func hostDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating host executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
