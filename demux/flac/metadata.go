package flac

// Metadata-block chain parsing (spec §4.3.4). STREAMINFO, SEEKTABLE and
// VORBIS_COMMENT blocks are decoded by hand here, and PICTURE blocks are
// skimmed by hand at parse time; only pictureMeta.Fetch wraps the raw block
// in go-flac's MetaDataBlock{Type, Data} and decodes it with flacpicture.

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/go-flac/flacpicture"
	goflac "github.com/go-flac/go-flac"

	"github.com/go-musicfox/mediacore/bytestream"
	"github.com/go-musicfox/mediacore/media"
	"github.com/go-musicfox/mediacore/mediaerr"
)

const (
	maxVorbisComments   = 1000
	maxVorbisCommentLen = 8 << 10
	maxPictures         = 50
	maxPictureBytes     = 16 << 20
)

// streamInfo holds the decoded STREAMINFO fields (RFC 9639 §8.2), mandatory
// and must be the first metadata block.
type streamInfo struct {
	MinBlockSize, MaxBlockSize uint16
	MinFrameSize, MaxFrameSize uint32
	SampleRate                 uint32
	Channels                   uint16
	BitsPerSample              uint16
	TotalSamples               uint64
	MD5                        [16]byte
}

// StreamInfoFields is the subset of decoded STREAMINFO fields useful to
// callers outside this package (the isobmff demuxer's "fLaC"/"dfLa" track
// identification reuses this rather than re-deriving the bit layout).
type StreamInfoFields struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	TotalSamples  uint64
}

// DecodeStreamInfoBlock decodes a raw 34-byte (or longer) STREAMINFO block,
// as found verbatim inside an ISO-BMFF "dfLa" box (spec §4.3.3 Codec ID).
func DecodeStreamInfoBlock(data []byte) (StreamInfoFields, error) {
	si, err := decodeStreamInfo(data)
	if err != nil {
		return StreamInfoFields{}, err
	}
	return StreamInfoFields{
		SampleRate:    si.SampleRate,
		Channels:      si.Channels,
		BitsPerSample: si.BitsPerSample,
		TotalSamples:  si.TotalSamples,
	}, nil
}

func decodeStreamInfo(data []byte) (streamInfo, error) {
	if len(data) < 34 {
		return streamInfo{}, mediaerr.Newf(mediaerr.KindFormat, "short_streaminfo", "STREAMINFO block too short (%d bytes)", len(data))
	}
	var si streamInfo
	si.MinBlockSize = binary.BigEndian.Uint16(data[0:2])
	si.MaxBlockSize = binary.BigEndian.Uint16(data[2:4])
	si.MinFrameSize = uint32(data[4])<<16 | uint32(data[5])<<8 | uint32(data[6])
	si.MaxFrameSize = uint32(data[7])<<16 | uint32(data[8])<<8 | uint32(data[9])
	si.SampleRate = (uint32(data[10]) << 12) | (uint32(data[11]) << 4) | (uint32(data[12]) >> 4)
	si.Channels = uint16((data[12]>>1)&0x07) + 1
	si.BitsPerSample = uint16(((data[12]&0x01)<<4)|(data[13]>>4)) + 1
	si.TotalSamples = (uint64(data[13]&0x0F) << 32) | uint64(data[14])<<24 | uint64(data[15])<<16 | uint64(data[16])<<8 | uint64(data[17])
	copy(si.MD5[:], data[18:34])
	return si, nil
}

// seekPoint is one SEEKTABLE entry; placeholder points (sample number ==
// 0xFFFFFFFFFFFFFFFF) are dropped at parse time.
type seekPoint struct {
	SampleNumber uint64
	StreamOffset uint64
	FrameSamples uint16
}

func decodeSeekTable(data []byte) []seekPoint {
	const entrySize = 18
	n := len(data) / entrySize
	points := make([]seekPoint, 0, n)
	for i := 0; i < n; i++ {
		e := data[i*entrySize:]
		sample := binary.BigEndian.Uint64(e[0:8])
		if sample == 0xFFFFFFFFFFFFFFFF {
			continue
		}
		points = append(points, seekPoint{
			SampleNumber: sample,
			StreamOffset: binary.BigEndian.Uint64(e[8:16]),
			FrameSamples: binary.BigEndian.Uint16(e[16:18]),
		})
	}
	return points
}

// decodeVorbisComment parses the Vorbis-comment grammar into Tags, capping
// entry count and size (spec §4.3.4).
func decodeVorbisComment(data []byte) media.Tags {
	var tags media.Tags
	r := data
	vendorLen, r, ok := take32(r)
	if !ok || uint32(len(r)) < vendorLen {
		return tags
	}
	r = r[vendorLen:]
	count, r, ok := take32(r)
	if !ok {
		return tags
	}
	if count > maxVorbisComments {
		count = maxVorbisComments
	}
	for i := uint32(0); i < count && len(r) >= 4; i++ {
		entryLen, rest, ok := take32(r)
		if !ok || uint32(len(rest)) < entryLen {
			return tags
		}
		if entryLen > maxVorbisCommentLen {
			entryLen = maxVorbisCommentLen
		}
		entry := rest[:entryLen]
		r = rest[minInt(int(entryLen), len(rest)):]
		eq := bytes.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		switch strings.ToUpper(string(entry[:eq])) {
		case "ARTIST":
			tags.Artist = string(entry[eq+1:])
		case "TITLE":
			tags.Title = string(entry[eq+1:])
		case "ALBUM":
			tags.Album = string(entry[eq+1:])
		}
	}
	return tags
}

func take32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// pictureMeta is kept for every PICTURE block: only the header fields, not
// the image payload, which is fetched lazily via Fetch (spec §4.3.4).
type pictureMeta struct {
	MIME        string
	Description string
	Width       uint32
	Height      uint32
	ColorDepth  uint32

	blockOffset int64 // file offset of this PICTURE block's raw data
	blockLength int64 // declared block length, capped at maxPictureBytes
}

// parsePictureHeader skims the fixed-size fields of a PICTURE block plus
// the MIME/description strings, without retaining the image payload.
// blockFileOffset is the file offset of data[0] (the start of the block's
// raw, undecoded bytes), kept so Fetch can re-read the whole block later.
func parsePictureHeader(data []byte, blockFileOffset int64) (pictureMeta, error) {
	r := bytes.NewReader(data)
	var pm pictureMeta
	var u32 [4]byte
	readU32 := func() (uint32, error) {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return 0, mediaerr.New(mediaerr.KindFormat, "short_picture_block", err)
		}
		return binary.BigEndian.Uint32(u32[:]), nil
	}
	if _, err := readU32(); err != nil { // picture type, unused here
		return pm, err
	}
	mimeLen, err := readU32()
	if err != nil {
		return pm, err
	}
	mime := make([]byte, mimeLen)
	if _, err := io.ReadFull(r, mime); err != nil {
		return pm, mediaerr.New(mediaerr.KindFormat, "short_picture_block", err)
	}
	pm.MIME = string(mime)
	descLen, err := readU32()
	if err != nil {
		return pm, err
	}
	desc := make([]byte, descLen)
	if _, err := io.ReadFull(r, desc); err != nil {
		return pm, mediaerr.New(mediaerr.KindFormat, "short_picture_block", err)
	}
	pm.Description = string(desc)
	if pm.Width, err = readU32(); err != nil {
		return pm, err
	}
	if pm.Height, err = readU32(); err != nil {
		return pm, err
	}
	if pm.ColorDepth, err = readU32(); err != nil {
		return pm, err
	}

	pm.blockOffset = blockFileOffset
	pm.blockLength = int64(len(data))
	if pm.blockLength > maxPictureBytes {
		pm.blockLength = maxPictureBytes
	}
	return pm, nil
}

// Fetch reads the picture's raw block bytes from s on demand and decodes
// them through flacpicture, which parses the full METADATA_BLOCK_PICTURE
// layout this demuxer only skimmed at parse time.
func (pm pictureMeta) Fetch(s bytestream.ByteStream) (*flacpicture.MetadataBlockPicture, error) {
	saved := s.Tell()
	defer s.Seek(saved, bytestream.SeekStart)

	if err := s.Seek(pm.blockOffset, bytestream.SeekStart); err != nil {
		return nil, mediaerr.New(mediaerr.KindIO, "seek", err)
	}
	buf := make([]byte, pm.blockLength)
	if _, err := bytestream.ReadFull(s, buf); err != nil {
		return nil, mediaerr.New(mediaerr.KindIO, "short_read", err)
	}
	return flacpicture.ParseFromMetaDataBlock(goflac.MetaDataBlock{Type: goflac.Picture, Data: buf})
}
