package config

import (
	"strings"
	"time"
)

// DefaultSCPPort is the conventional DICOM port for the storage receiver.
const DefaultSCPPort = 11112

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Component packages fill their own detail knobs when constructed; this layer
// only defaults the fields that must be valid before construction, plus the
// ones validation requires.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.DataRoot == "" {
		cfg.DataRoot = "/var/lib/dicomgw"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	cfg.Database.ApplyDefaults()

	// The receiver package leaves Port zero so tests can bind ephemeral
	// ports; a real deployment gets the conventional DICOM port.
	if cfg.SCP.Port == 0 {
		cfg.SCP.Port = DefaultSCPPort
	}
	if cfg.SCP.AETitle == "" {
		cfg.SCP.AETitle = "DICOMGW"
	}
	// Metrics.Addr stays empty by default: empty disables the endpoint.
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// GetDefaultConfig returns a fully defaulted configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
