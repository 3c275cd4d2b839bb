// pkg/version/version.go

package version

import (
	"fmt"
	"runtime"
)

var (
	version      = "0.3-dev"
	revision     = "$Format:%h$"
	revisionDate = "$Format:%as$"
)

// Version returns the version in format - `VERSION (REVISIONDATE REVISION)`
// value is assigned in Makefile
func Version() string {
	return fmt.Sprintf("%v (%v %v)", version, revisionDate, revision)
}

// UserAgent identifies this build in logs, e.g. `avecache/0.3-dev (linux/amd64)`.
func UserAgent() string {
	return fmt.Sprintf("avecache/%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}
