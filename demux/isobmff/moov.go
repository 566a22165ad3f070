package isobmff

// moov/trak/mdia/stbl walking (spec §4.3.3 Parse) and the iTunes-style
// udta/meta/ilst metadata atoms (spec §4.3.3 SUPPLEMENTED FEATURES).

import (
	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/media"
)

// parseFtyp reads the major brand, used only for diagnostics. A missing ftyp
// is not an error and is not recorded in the compliance report; the brand is
// left empty (QuickTime-derived .mov files routinely omit it).
func parseFtyp(s bytestream.ByteStream, h boxHeader) (string, error) {
	if err := s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return "", err
	}
	brand, err := bytestream.ReadFourCC(s)
	if err != nil {
		return "", err
	}
	return brand.String(), nil
}

func (d *Demuxer) parseMoov(w *walker, h boxHeader, depth int) error {
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		switch c.fourcc.String() {
		case "trak":
			return d.parseTrak(w, c, depth+1)
		case "udta":
			return d.parseUdta(w, c, depth+1)
		default:
			return nil
		}
	})
}

func (d *Demuxer) parseTrak(w *walker, h boxHeader, depth int) error {
	t := &track{}
	err := w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		switch c.fourcc.String() {
		case "tkhd":
			return d.parseTkhd(t, c)
		case "mdia":
			return d.parseMdia(w, t, c, depth+1)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	if t.handlerType != "soun" {
		return nil // only audio tracks are surfaced (spec §4.3.3 Non-goals: video)
	}
	t.expandSamples()
	d.tracks = append(d.tracks, t)
	return nil
}

func (d *Demuxer) parseTkhd(t *track, h boxHeader) error {
	if err := d.s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return err
	}
	flagsWord, err := bytestream.ReadU32BE(d.s)
	if err != nil {
		return err
	}
	version := flagsWord >> 24
	if version == 1 {
		if err := d.s.Seek(16, bytestream.SeekCurrent); err != nil { // ctime+mtime(8 each)
			return err
		}
	} else {
		if err := d.s.Seek(8, bytestream.SeekCurrent); err != nil {
			return err
		}
	}
	id, err := bytestream.ReadU32BE(d.s)
	if err != nil {
		return err
	}
	t.trackID = id
	return nil
}

func (d *Demuxer) parseMdia(w *walker, t *track, h boxHeader, depth int) error {
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		switch c.fourcc.String() {
		case "mdhd":
			return d.parseMdhd(t, c)
		case "hdlr":
			return d.parseHdlr(t, c)
		case "minf":
			return d.parseMinf(w, t, c, depth+1)
		default:
			return nil
		}
	})
}

func (d *Demuxer) parseMdhd(t *track, h boxHeader) error {
	if err := d.s.Seek(h.bodyStart, bytestream.SeekStart); err != nil {
		return err
	}
	flagsWord, err := bytestream.ReadU32BE(d.s)
	if err != nil {
		return err
	}
	version := flagsWord >> 24
	if version == 1 {
		if err := d.s.Seek(16, bytestream.SeekCurrent); err != nil {
			return err
		}
		scale, err := bytestream.ReadU32BE(d.s)
		if err != nil {
			return err
		}
		dur, err := bytestream.ReadU64BE(d.s)
		if err != nil {
			return err
		}
		t.timescale, t.durationUnits = scale, dur
		return nil
	}
	if err := d.s.Seek(8, bytestream.SeekCurrent); err != nil {
		return err
	}
	scale, err := bytestream.ReadU32BE(d.s)
	if err != nil {
		return err
	}
	dur, err := bytestream.ReadU32BE(d.s)
	if err != nil {
		return err
	}
	t.timescale, t.durationUnits = scale, uint64(dur)
	return nil
}

func (d *Demuxer) parseHdlr(t *track, h boxHeader) error {
	if err := d.s.Seek(h.bodyStart+8, bytestream.SeekStart); err != nil { // version+flags, pre_defined
		return err
	}
	handlerType, err := bytestream.ReadFourCC(d.s)
	if err != nil {
		return err
	}
	t.handlerType = handlerType.String()
	return nil
}

func (d *Demuxer) parseMinf(w *walker, t *track, h boxHeader, depth int) error {
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		if c.fourcc.String() == "stbl" {
			return d.parseStbl(w, t, c, depth+1)
		}
		return nil
	})
}

func (d *Demuxer) parseStbl(w *walker, t *track, h boxHeader, depth int) error {
	var esdsConfig, dfLaData []byte
	var entry audioSampleEntry
	err := w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		var err error
		switch c.fourcc.String() {
		case "stsd":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			entry, err = parseStsd(d.s, c.end)
			if err != nil {
				return err
			}
			esdsConfig, dfLaData, err = parseSampleEntryConfig(w, entry, depth+1)
			return err
		case "stts":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.timeToSample, err = parseStts(d.s)
			return err
		case "stss":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.syncSamples, err = parseStss(d.s)
			return err
		case "stsc":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.sampleToChunk, err = parseStsc(d.s, c.end-c.bodyStart)
			return err
		case "stco":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.chunkOffsets, err = parseStco(d.s, false)
			return err
		case "co64":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.chunkOffsets, err = parseStco(d.s, true)
			return err
		case "stsz", "stz2":
			if err = d.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			t.uniformSize, t.sampleSizes, t.sampleCount, err = parseStsz(d.s, c.fourcc.String() == "stz2")
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	t.info = identifyCodec(entry, esdsConfig, dfLaData)
	return nil
}

// parseSampleEntryConfig walks an stsd entry's config child boxes (esds,
// alac, dfLa) to extract the codec's private configuration payload.
func parseSampleEntryConfig(w *walker, e audioSampleEntry, depth int) (esdsConfig, dfLaData []byte, err error) {
	if e.bodyStart >= e.bodyEnd {
		return nil, nil, nil
	}
	err = w.forEachChild(depth, e.bodyStart, e.bodyEnd, func(c boxHeader) error {
		switch c.fourcc.String() {
		case "esds", "alac":
			if err := w.s.Seek(c.bodyStart, bytestream.SeekStart); err != nil {
				return err
			}
			buf := make([]byte, c.end-c.bodyStart)
			if _, err := bytestream.ReadFull(w.s, buf); err != nil {
				return err
			}
			esdsConfig = buf
		case "dfLa":
			if err := w.s.Seek(c.bodyStart+4, bytestream.SeekStart); err != nil { // skip version+flags
				return err
			}
			buf := make([]byte, c.end-c.bodyStart-4)
			if _, err := bytestream.ReadFull(w.s, buf); err != nil {
				return err
			}
			dfLaData = buf
		}
		return nil
	})
	return esdsConfig, dfLaData, err
}

func (d *Demuxer) parseUdta(w *walker, h boxHeader, depth int) error {
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		if c.fourcc.String() == "meta" {
			return d.parseMeta(w, c, depth+1)
		}
		return nil
	})
}

func (d *Demuxer) parseMeta(w *walker, h boxHeader, depth int) error {
	// "meta" carries a leading version+flags word before its children
	// (unlike other full boxes, some QuickTime files omit it; tolerate
	// both by probing bytes 4-8, which hold the first child's FourCC when the
	// version word is absent).
	bodyStart := h.bodyStart
	if err := d.s.Seek(h.bodyStart+4, bytestream.SeekStart); err == nil {
		if fourcc, err := bytestream.ReadFourCC(d.s); err == nil && fourcc.String() != "hdlr" && fourcc.String() != "ilst" {
			bodyStart = h.bodyStart + 4
		}
	}
	return w.forEachChild(depth, bodyStart, h.end, func(c boxHeader) error {
		if c.fourcc.String() == "ilst" {
			return d.parseIlst(w, c, depth+1)
		}
		return nil
	})
}

var ilstKeys = map[string]func(*media.Tags, string){
	"\xa9nam": func(t *media.Tags, v string) { t.Title = v },
	"\xa9ART": func(t *media.Tags, v string) { t.Artist = v },
	"aART":    func(t *media.Tags, v string) { t.Artist = v },
	"\xa9alb": func(t *media.Tags, v string) { t.Album = v },
}

func (d *Demuxer) parseIlst(w *walker, h boxHeader, depth int) error {
	return w.forEachChild(depth, h.bodyStart, h.end, func(c boxHeader) error {
		setter, ok := ilstKeys[c.fourcc.String()]
		if !ok {
			return nil
		}
		return w.forEachChild(depth+1, c.bodyStart, c.end, func(data boxHeader) error {
			if data.fourcc.String() != "data" {
				return nil
			}
			if err := d.s.Seek(data.bodyStart+8, bytestream.SeekStart); err != nil { // type(4)+locale(4)
				return err
			}
			n := data.end - data.bodyStart - 8
			if n <= 0 {
				return nil
			}
			buf := make([]byte, n)
			if _, err := bytestream.ReadFull(d.s, buf); err != nil {
				return err
			}
			setter(&d.tags, string(buf))
			return nil
		})
	})
}
