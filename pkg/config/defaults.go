package config

import "time"

// Storage defaults.
const (
	DefaultDataDir         = ".incbuild"
	DefaultStorageCodec    = "gob"
	DefaultStorageCompress = true
)

// Logging defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Graph defaults. A zero ratio disables the affected-share bound.
const (
	DefaultMaxAffectedRatio = 0.0
	DefaultCheckWorkers     = 0
)

// Telemetry defaults.
const (
	DefaultSampleRatio     = 0.0
	DefaultShutdownTimeout = 5 * time.Second
)

// DefaultUnitDescriptors returns the file names whose change forces a
// rebuild of their target.
func DefaultUnitDescriptors() []string {
	return []string{"incbuild.yaml", "module.yaml"}
}
