// Package version carries build version information, set at compile
// time via -ldflags:
//
//	go build -ldflags "-X github.com/siftlab/sift/version.Version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
)

// Set at build time using -ldflags.
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Info represents version information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the build's version information. When -ldflags did not
// set the commit, it is recovered from the embedded build info if
// available.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.GitCommit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.GitCommit = s.Value
				}
			}
		}
	}
	return info
}

// String returns a single-line rendering, e.g. "sift dev (abc1234)".
func (i Info) String() string {
	commit := i.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		return fmt.Sprintf("sift %s", i.Version)
	}
	return fmt.Sprintf("sift %s (%s)", i.Version, commit)
}
