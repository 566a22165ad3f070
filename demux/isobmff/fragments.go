package isobmff

// Fragmented-file handling (spec §4.3.3 SUPPLEMENTED FEATURES): moof/traf
// parsing appends each run's samples to the matching track's flat sample
// index, using the default-base-is-moof convention when tfhd doesn't carry
// an explicit base-data-offset.

import "github.com/go-musicfox/mediacore/bytestream"

const (
	tfhdBaseDataOffsetPresent   = 0x000001
	tfhdSampleDescIndexPresent  = 0x000002
	tfhdDefaultDurationPresent  = 0x000008
	tfhdDefaultSizePresent      = 0x000010
	tfhdDefaultFlagsPresent     = 0x000020

	trunDataOffsetPresent      = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunDurationPresent        = 0x000100
	trunSizePresent            = 0x000200
	trunFlagsPresent           = 0x000400
	trunCompositionPresent     = 0x000800
)

type tfhdInfo struct {
	trackID         uint32
	baseDataOffset  int64
	defaultDuration uint32
	defaultSize     uint32
	defaultFlags    uint32
}

func (d *Demuxer) parseMoof(w *walker, h boxHeader, depth int) error {
	moofStart := h.start
	var baseDecodeTimes = map[uint32]uint64{}
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		if c.fourcc.String() != "traf" {
			return nil
		}
		return d.parseTraf(w, c, moofStart, baseDecodeTimes, depth+1)
	})
}

func (d *Demuxer) parseTraf(w *walker, h boxHeader, moofStart int64, baseDecodeTimes map[uint32]uint64, depth int) error {
	var tfhd tfhdInfo
	var haveTfhd bool
	var decodeTime uint64

	if err := w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		switch c.fourcc.String() {
		case "tfhd":
			t, err := parseTfhd(d.s, c, moofStart)
			if err != nil {
				return err
			}
			tfhd, haveTfhd = t, true
			decodeTime = baseDecodeTimes[t.trackID]
			return nil
		case "tfdt":
			if !haveTfhd {
				return nil
			}
			dt, err := parseTfdt(d.s, c)
			if err != nil {
				return err
			}
			decodeTime = dt
			baseDecodeTimes[tfhd.trackID] = dt
			return nil
		default:
			return nil
		}
	}); err != nil {
		return err
	}
	if !haveTfhd {
		return nil
	}

	tr := d.trackByID(tfhd.trackID)
	if tr == nil {
		return nil
	}

	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		if c.fourcc.String() != "trun" {
			return nil
		}
		samples, consumed, err := parseTrun(d.s, c, tfhd, decodeTime)
		if err != nil {
			return err
		}
		tr.samples = append(tr.samples, samples...)
		baseDecodeTimes[tfhd.trackID] = decodeTime + consumed
		return nil
	})
}

func (d *Demuxer) trackByID(id uint32) *track {
	for _, t := range d.tracks {
		if t.trackID == id {
			return t
		}
	}
	return nil
}

func parseTfhd(s bytestream.ByteStream, h boxHeader, moofStart int64) (tfhdInfo, error) {
	if err := s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return tfhdInfo{}, err
	}
	flagsWord, err := bytestream.ReadU32BE(s)
	if err != nil {
		return tfhdInfo{}, err
	}
	flags := flagsWord & 0x00FFFFFF
	info := tfhdInfo{baseDataOffset: moofStart}
	id, err := bytestream.ReadU32BE(s)
	if err != nil {
		return info, err
	}
	info.trackID = id

	if flags&tfhdBaseDataOffsetPresent != 0 {
		off, err := bytestream.ReadU64BE(s)
		if err != nil {
			return info, err
		}
		info.baseDataOffset = int64(off)
	}
	if flags&tfhdSampleDescIndexPresent != 0 {
		if _, err := bytestream.ReadU32BE(s); err != nil {
			return info, err
		}
	}
	if flags&tfhdDefaultDurationPresent != 0 {
		v, err := bytestream.ReadU32BE(s)
		if err != nil {
			return info, err
		}
		info.defaultDuration = v
	}
	if flags&tfhdDefaultSizePresent != 0 {
		v, err := bytestream.ReadU32BE(s)
		if err != nil {
			return info, err
		}
		info.defaultSize = v
	}
	if flags&tfhdDefaultFlagsPresent != 0 {
		v, err := bytestream.ReadU32BE(s)
		if err != nil {
			return info, err
		}
		info.defaultFlags = v
	}
	return info, nil
}

func parseTfdt(s bytestream.ByteStream, h boxHeader) (uint64, error) {
	if err := s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return 0, err
	}
	flagsWord, err := bytestream.ReadU32BE(s)
	if err != nil {
		return 0, err
	}
	if flagsWord>>24 == 1 {
		return bytestream.ReadU64BE(s)
	}
	v, err := bytestream.ReadU32BE(s)
	return uint64(v), err
}

// parseTrun decodes one trun box's run of samples into trackSamples anchored
// at tfhd's base data offset, returning the samples and the total duration
// units the run advanced the track's decode-time cursor by.
func parseTrun(s bytestream.ByteStream, h boxHeader, tfhd tfhdInfo, startTime uint64) ([]trackSample, uint64, error) {
	if err := s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return nil, 0, err
	}
	flagsWord, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, 0, err
	}
	flags := flagsWord & 0x00FFFFFF
	count, err := bytestream.ReadU32BE(s)
	if err != nil {
		return nil, 0, err
	}

	dataOffset := tfhd.baseDataOffset
	if flags&trunDataOffsetPresent != 0 {
		v, err := bytestream.ReadU32BE(s)
		if err != nil {
			return nil, 0, err
		}
		dataOffset = tfhd.baseDataOffset + int64(int32(v))
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		if _, err := bytestream.ReadU32BE(s); err != nil {
			return nil, 0, err
		}
	}

	samples := make([]trackSample, 0, count)
	offset := dataOffset
	timeAcc := startTime
	for i := uint32(0); i < count; i++ {
		duration := tfhd.defaultDuration
		size := tfhd.defaultSize
		sampleFlags := tfhd.defaultFlags

		if flags&trunDurationPresent != 0 {
			v, err := bytestream.ReadU32BE(s)
			if err != nil {
				return samples, timeAcc - startTime, err
			}
			duration = v
		}
		if flags&trunSizePresent != 0 {
			v, err := bytestream.ReadU32BE(s)
			if err != nil {
				return samples, timeAcc - startTime, err
			}
			size = v
		}
		if flags&trunFlagsPresent != 0 {
			v, err := bytestream.ReadU32BE(s)
			if err != nil {
				return samples, timeAcc - startTime, err
			}
			sampleFlags = v
		}
		if flags&trunCompositionPresent != 0 {
			if _, err := bytestream.ReadU32BE(s); err != nil {
				return samples, timeAcc - startTime, err
			}
		}

		sync := (sampleFlags>>16)&0x1 == 0 // sample_is_non_sync_sample bit clear
		samples = append(samples, trackSample{offset: offset, size: size, timeUnits: timeAcc, sync: sync})
		offset += int64(size)
		timeAcc += uint64(duration)
	}
	return samples, timeAcc - startTime, nil
}
