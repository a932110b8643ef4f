package config

import "fmt"

// CurrentVersion is the configuration file version this build reads. An
// omitted version is treated as current.
const CurrentVersion = 1

// VersionError describes a configuration version this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, e.Reason, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	switch {
	case version < 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "invalid"}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "newer than this build"}
	case version < CurrentVersion && version != 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "outdated"}
	}
	return nil
}
