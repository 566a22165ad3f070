// Package factory implements the content-sniffing format dispatch (spec
// §4.4): given a byte stream and an optional path hint, it probes the first
// 64 KiB for a magic-byte signature and instantiates the matching
// demultiplexer, without observably disturbing the stream's position.
package factory

import (
	"strings"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/config"
	"github.com/go-musicfox/mediacore/demux"
	"github.com/go-musicfox/mediacore/demux/flac"
	"github.com/go-musicfox/mediacore/demux/isobmff"
	"github.com/go-musicfox/mediacore/demux/ogg"
	"github.com/go-musicfox/mediacore/demux/riff"
	"github.com/go-musicfox/mediacore/mediaerr"
)

// Format identifies which demultiplexer family matched.
type Format string

const (
	FormatRIFF    Format = "riff"
	FormatOgg     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatISOBMFF Format = "isobmff"
	FormatUnknown Format = "unsupported"
)

const probeSize = 64 << 10

type signature struct {
	format   Format
	priority int
	match    func(probe []byte) bool
	exts     []string
}

var signatures = []signature{
	{
		format: FormatRIFF, priority: 100, exts: []string{".wav", ".aif", ".aiff", ".aifc"},
		match: func(p []byte) bool {
			if len(p) < 12 {
				return false
			}
			if string(p[0:4]) == "RIFF" && string(p[8:12]) == "WAVE" {
				return true
			}
			if string(p[0:4]) == "FORM" && (string(p[8:12]) == "AIFF" || string(p[8:12]) == "AIFC") {
				return true
			}
			return false
		},
	},
	{
		format: FormatOgg, priority: 100, exts: []string{".ogg", ".opus", ".spx"},
		match: func(p []byte) bool { return len(p) >= 4 && string(p[0:4]) == "OggS" },
	},
	{
		format: FormatFLAC, priority: 100, exts: []string{".flac"},
		match: func(p []byte) bool { return len(p) >= 4 && string(p[0:4]) == "fLaC" },
	},
	{
		format: FormatISOBMFF, priority: 100, exts: []string{".m4a", ".mp4", ".mov", ".3gp"},
		match: func(p []byte) bool { return len(p) >= 8 && string(p[4:8]) == "ftyp" },
	},
}

// Options bundles every demultiplexer's config, translated once by the
// caller from config.Config, so Open can construct whichever one matches.
type Options struct {
	FLAC    flac.Options
	ISOBMFF isobmff.Options
}

// OptionsFromConfig translates a loaded config.Config into per-family
// demuxer options (spec §6); the riff and ogg demuxers take no tunables
// yet, so only FLAC and ISO-BMFF need translation.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FLAC: flac.Options{
			CRCValidation:                 flac.ParseCRCMode(cfg.FLAC.CRCValidation),
			MaxCRCMismatchesBeforeDisable: cfg.FLAC.MaxCRCMismatchesBeforeDisable,
			FrameIndexingEnabled:          cfg.FLAC.FrameIndexingEnabled,
			StreamableSubsetMode:          flac.ParseSubsetMode(cfg.FLAC.StreamableSubsetMode),
		},
		ISOBMFF: isobmff.Options{
			MaxBoxNestingDepth: cfg.ISO.MaxBoxNestingDepth,
			ComplianceLevel:    isobmff.ParseLevel(cfg.ISO.ComplianceLevel),
		},
	}
}

// Detect probes s for a known signature, without moving s's observable
// position. pathHint is used only to break priority ties.
func Detect(s bytestream.ByteStream, pathHint string) (Format, error) {
	saved := s.Tell()
	defer s.Seek(saved, bytestream.SeekStart)

	if err := s.Seek(0, bytestream.SeekStart); err != nil {
		return FormatUnknown, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	probe := make([]byte, probeSize)
	n, err := s.Read(probe)
	if err != nil && n == 0 {
		return FormatUnknown, mediaerr.New(mediaerr.KindIO, "short_read", err)
	}
	probe = probe[:n]

	var matches []signature
	bestPriority := -1
	for _, sig := range signatures {
		if !sig.match(probe) {
			continue
		}
		if sig.priority > bestPriority {
			bestPriority = sig.priority
			matches = []signature{sig}
		} else if sig.priority == bestPriority {
			matches = append(matches, sig)
		}
	}
	switch len(matches) {
	case 0:
		return FormatUnknown, nil
	case 1:
		return matches[0].format, nil
	default:
		var ext string
		if dot := strings.LastIndex(pathHint, "."); dot >= 0 {
			ext = strings.ToLower(pathHint[dot:])
		}
		for _, sig := range matches {
			for _, e := range sig.exts {
				if e == ext {
					return sig.format, nil
				}
			}
		}
		return matches[0].format, nil
	}
}

// Open detects the container format and returns a ready-to-parse
// demux.Demuxer; the caller still must call ParseContainer.
func Open(s bytestream.ByteStream, pathHint string, opts Options) (demux.Demuxer, Format, error) {
	format, err := Detect(s, pathHint)
	if err != nil {
		return nil, FormatUnknown, err
	}
	switch format {
	case FormatRIFF:
		return riff.New(s), format, nil
	case FormatOgg:
		return ogg.New(s), format, nil
	case FormatFLAC:
		return flac.New(s, opts.FLAC), format, nil
	case FormatISOBMFF:
		return isobmff.New(s, opts.ISOBMFF), format, nil
	default:
		return nil, FormatUnknown, mediaerr.Newf(mediaerr.KindFormat, "unsupported_format", "no demultiplexer recognises this byte stream")
	}
}
