// Package version holds the library version, overridable at link time with
// -ldflags "-X github.com/FlameInTheDark/mcpbridge/internal/version.Version=...".
package version

var Version = "0.1.1"
