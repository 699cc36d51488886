package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
// -X github.com/lkarlslund/poolrouter/pkg/version.Version=v1.2.3
// -X github.com/lkarlslund/poolrouter/pkg/version.Commit=<sha>
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (i Info) Short() string {
	out := i.Version
	if i.Commit != "" {
		c := i.Commit
		if len(c) > 12 {
			c = c[:12]
		}
		out += "+" + c
	}
	if i.Modified {
		out += "+dirty"
	}
	return out
}

func String() string {
	return Current().Short()
}

// Detailed is the multi line output of the version commands.
func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = "poolrouter"
	}
	out := fmt.Sprintf("%s %s (%s)", component, v.Short(), v.GoVersion)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent identifies the proxy to upstreams.
func UserAgent() string {
	return "poolrouter/" + Current().Version
}
