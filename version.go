package appz

// Version is the current version of appz
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string `json:"version"`
	// Protocol identifies the control socket framing
	Protocol string `json:"protocol"`
	// Registry is the persisted registry format version
	Registry string `json:"registry"`
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Protocol: "ndjson/1",
		Registry: RegistryVersion,
	}
}
