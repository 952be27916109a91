// Package version reports the build version embedded at compile time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// UserAgent identifies cairn in outbound requests.
func UserAgent() string {
	return "cairn/" + Get()
}
