// Package demux defines the container-agnostic Demuxer contract (spec
// §4.3): a capability set the format dispatch factory produces one of,
// rather than a shared base class (spec §9 DESIGN NOTES).
package demux

import "github.com/go-musicfox/mediacore/media"

// Demuxer is implemented by every container-specific parser (riff, ogg,
// isobmff, flac). A single Demuxer instance is not safe for concurrent use
// (spec §5): its methods must be called from one goroutine at a time.
type Demuxer interface {
	// ParseContainer performs the one-time header/index parse. Idempotent:
	// calling it again after a successful parse is a no-op that returns nil.
	ParseContainer() error

	// Streams returns every elementary stream found during ParseContainer.
	Streams() []media.StreamInfo

	// StreamInfo returns the stream descriptor for id, or false if unknown.
	StreamInfo(id uint32) (media.StreamInfo, bool)

	// ReadChunk returns the next chunk from any stream in container order.
	// An empty chunk (MediaChunk.EOF()) signals end of stream.
	ReadChunk() (media.MediaChunk, error)

	// ReadChunkFor returns the next chunk belonging to stream id.
	ReadChunkFor(id uint32) (media.MediaChunk, error)

	// SeekTo repositions so the next ReadChunk returns data at-or-before ms.
	SeekTo(ms uint64) error

	EOF() bool
	DurationMs() uint64
	PositionMs() uint64

	// GranulePosition returns the codec-defined granule for id (Ogg only;
	// 0 for every other container family).
	GranulePosition(id uint32) uint64
}

// Recoverable is implemented by demuxers that track locally-recovered
// faults (spec §7) the caller can inspect without them ever surfacing as
// errors.
type Recoverable interface {
	RecoveryStats() RecoveryStats
}

// RecoveryStats counts locally-recovered faults by category (spec §7, §9
// SUPPLEMENTED FEATURES).
type RecoveryStats struct {
	SyncLoss            uint64
	FrameCorruption     uint64
	MetadataCorruption  uint64
	RecoverySuccesses   uint64
	RecoveryFailures    uint64
}
