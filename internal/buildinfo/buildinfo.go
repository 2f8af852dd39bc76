package buildinfo

import "runtime/debug"

// Set with -ldflags "-X equiroute/internal/buildinfo.Version=..." at release.
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info is served on /version and printed by `equiroute version`.
func Info() map[string]string {
	info := map[string]string{
		"service": "equiroute",
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info["goVersion"] = bi.GoVersion
		if Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info["commit"] = s.Value
				}
			}
		}
	}
	return info
}
