package meta

import (
	"fmt"
	"runtime"
)

// Info is the build context of a gep binary, filled in by the linker.
type Info struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	Branch    string `json:"branch"`
	BuildTime string `json:"buildTime"`
	Platform  string `json:"platform"`
	GoVersion string `json:"goVersion"`
}

// Set with -ldflags "-X github.com/luma/gep/internal/meta.Version=..."
var (
	Version string

	// Build is the git sha.
	Build string

	Branch string

	// BuildTimeUTC is formatted as year/month/day hour:min:sec.
	BuildTimeUTC string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

func GetInfo() Info {
	version := Version
	if version == "" {
		version = "dev"
	}

	return Info{
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		Platform:  platform,
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	if i.Build == "" {
		return fmt.Sprintf("gep %s (%s, %s)", i.Version, i.Platform, i.GoVersion)
	}

	return fmt.Sprintf("gep %s %s@%s built %s (%s, %s)", i.Version, i.Branch, i.Build, i.BuildTime, i.Platform, i.GoVersion)
}
