// Package versions provides version information for the quill service.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

var (
	// Version is the current version of quill, set by the build system
	Version = "dev"

	// Commit is the git commit hash, set by the build system
	Commit = unknownStr

	// BuildDate is the date the binary was built, set by the build system
	BuildDate = unknownStr
)

// VersionInfo represents the version information of the service.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		// Development builds are named after the commit they were built from.
		shortCommit := Commit
		if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		version = fmt.Sprintf("build-%s", shortCommit)
	}

	buildDate := BuildDate
	if parsed, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
