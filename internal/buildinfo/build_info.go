package buildinfo

import "fmt"

// BuildInfo describes the build of the dflow binary. The fields are set at link time.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String returns the build info in the form printed at startup.
func (i BuildInfo) String() string {
	return fmt.Sprintf("dflow %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildDate)
}
