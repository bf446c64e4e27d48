// Package buildinfo reports the version of the running agenthub binary.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X github.com/agusx1211/agenthub/internal/buildinfo.Version=...".
var (
	Version    = "dev"
	CommitHash = ""
	BuildDate  = ""
)

const unknown = "unknown"

// Info is normalized build metadata.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
}

// Current merges linker overrides with the VCS stamps the go tool embeds.
// Fields that cannot be determined read "unknown".
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
		GoVersion:  runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		vcs := vcsSettings(bi.Settings)
		if info.CommitHash == "" {
			info.CommitHash = vcs.revision
			if info.CommitHash != "" && vcs.dirty {
				info.CommitHash += "-dirty"
			}
		}
		if info.BuildDate == "" {
			info.BuildDate = vcs.time
		}
	}

	if parsed, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	for _, f := range []*string{&info.Version, &info.CommitHash, &info.BuildDate} {
		if *f == "" {
			*f = unknown
		}
	}
	return info
}

// Short is "version (commit)", with the commit cut to 12 characters.
func (i Info) Short() string {
	commit := i.CommitHash
	if commit == unknown {
		return i.Version
	}
	if len(commit) > 12 && !strings.HasSuffix(commit, "-dirty") {
		commit = commit[:12]
	}
	return i.Version + " (" + commit + ")"
}

type vcsInfo struct {
	revision string
	time     string
	dirty    bool
}

func vcsSettings(settings []debug.BuildSetting) vcsInfo {
	var v vcsInfo
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = strings.TrimSpace(s.Value)
		case "vcs.time":
			v.time = strings.TrimSpace(s.Value)
		case "vcs.modified":
			v.dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
		}
	}
	return v
}
