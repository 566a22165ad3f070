// Package config loads the module's runtime options from TOML, with
// built-in defaults layered underneath, following the teacher's koanf
// pattern (struct defaults -> optional file override -> typed decode).
package config

// BufferPoolConfig mirrors bufferpool.Config (spec §4.2, §6).
type BufferPoolConfig struct {
	MaxPoolBytes       int64 `koanf:"max_pool_bytes"`
	MaxBuffersPerClass int   `koanf:"max_buffers_per_class"`
	PreallocateCommon  bool  `koanf:"preallocate_common"`
}

// HTTPConfig mirrors httpstream.Config's tunables (spec §4.1.1, §6).
type HTTPConfig struct {
	TimeoutSeconds int  `koanf:"timeout_seconds"`
	MaxRetries     int  `koanf:"max_retries"`
	ReadAheadOK    bool `koanf:"read_ahead_enabled"`
}

// FLACConfig configures the native FLAC demuxer (spec §4.3.4, §6).
// CRCValidation and StreamableSubsetMode are free-form strings rather than
// typed enums so they round-trip through TOML without a custom decode
// hook; the flac package parses them into its own mode constants.
type FLACConfig struct {
	CRCValidation                 string `koanf:"crc_validation"`
	MaxCRCMismatchesBeforeDisable int    `koanf:"max_crc_mismatches_before_disable"`
	VerifyFrameCRC16              bool   `koanf:"verify_frame_crc16"`
	FrameIndexingEnabled          bool   `koanf:"frame_indexing_enabled"`
	StreamableSubsetMode          string `koanf:"streamable_subset_mode"`
}

// ISOConfig configures the ISO-BMFF/MP4 demuxer (spec §4.3.3, §6).
type ISOConfig struct {
	MaxBoxNestingDepth int    `koanf:"max_box_nesting_depth"`
	ComplianceLevel    string `koanf:"compliance_level"`
}

// Config is the top-level, TOML-serialisable configuration surface.
type Config struct {
	BufferPool BufferPoolConfig `koanf:"buffer_pool"`
	HTTP       HTTPConfig       `koanf:"http"`
	FLAC       FLACConfig       `koanf:"flac"`
	ISO        ISOConfig        `koanf:"iso"`
}

// Default returns the built-in defaults, listed here to give operators a
// complete file to start editing from. Several of them (PreallocateCommon,
// ReadAheadOK, the FLAC CRC and indexing settings, the ISO compliance level)
// differ from what a subsystem uses when constructed with a zero Config.
func Default() *Config {
	return &Config{
		BufferPool: BufferPoolConfig{
			MaxPoolBytes:       16 << 20,
			MaxBuffersPerClass: 8,
			PreallocateCommon:  true,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
			ReadAheadOK:    true,
		},
		FLAC: FLACConfig{
			CRCValidation:                 "enabled",
			MaxCRCMismatchesBeforeDisable: 10,
			VerifyFrameCRC16:              true,
			FrameIndexingEnabled:          true,
			StreamableSubsetMode:          "disabled",
		},
		ISO: ISOConfig{
			MaxBoxNestingDepth: 32,
			ComplianceLevel:    "relaxed",
		},
	}
}
