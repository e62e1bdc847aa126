package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/nbkernel"

// buildVersion is set via -ldflags "-X pkt.systems/nbkernel/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Read collects build information from the linker flag and debug.BuildInfo.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		vcs := readVCS(info)
		out.Revision = vcs.revision
		out.Dirty = vcs.modified
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			out.Version = strings.TrimSuffix(v, "+dirty")
		} else if pseudo := vcs.pseudo(); pseudo != "" {
			out.Version = pseudo
		}
	}
	if v := strings.TrimSpace(override); v != "" {
		out.Version = strings.TrimSuffix(v, "+dirty")
	}
	return out
}

type vcsSettings struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsSettings {
	var vcs vcsSettings
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcs.revision = setting.Value
		case "vcs.time":
			vcs.time = setting.Value
		case "vcs.modified":
			vcs.modified = setting.Value == "true"
		}
	}
	return vcs
}

// pseudo builds a Go pseudo-version from the VCS stamp.
func (v vcsSettings) pseudo() string {
	if v.revision == "" || v.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, v.time)
	if err != nil {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
}
