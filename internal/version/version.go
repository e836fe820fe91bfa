package version

import "runtime/debug"

// Version is overridden at link time:
//
//	go build -ldflags "-X github.com/0xa1bed0/mkimage/internal/version.Version=v1.2.3"
var Version = ""

// Get returns the link-time version, falling back to the module version
// recorded in the build info and then to "dev".
func Get() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
