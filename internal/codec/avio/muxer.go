package avio

import (
	"fmt"
	"io"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/tvpipe/tvpipe/internal/codec"
	"github.com/tvpipe/tvpipe/internal/media"
)

// MPEG-TS PID assignments. One video PID per rendition keeps each Egress
// output's program self-contained even though every rendition shares the
// same Encode-stage packet shape.
const (
	TSVideoPID = 0x0100
	TSAudioPID = 0x0101
)

// MuxerConfig configures a single output's MPEG-TS muxer.
type MuxerConfig struct {
	VideoCodec codec.Video
	// AudioCodec is empty for a video-only output; set only when the
	// input's audio stream is being passed through untouched.
	AudioCodec codec.Audio
}

// Muxer wraps mediacommon's mpegts.Writer behind the narrow write-video /
// write-audio-passthrough / close surface the Egress stage needs. It never
// re-encodes; video access units arrive already encoded by an avio.Encoder,
// and audio access units (if any) arrive as undecoded passthrough packets
// from the Demuxer.
type Muxer struct {
	mu         sync.Mutex
	w          io.Writer
	tracks     []*mpegts.Track
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
	muxer      *mpegts.Writer
	sps, pps   []byte
	vps        []byte
	isH265     bool
}

// NewMuxer creates a Muxer writing interleaved MPEG-TS to w. w is typically
// an SRT connection or a file, opened by the Egress stage through
// internal/transport.
func NewMuxer(w io.Writer, cfg MuxerConfig) (*Muxer, error) {
	m := &Muxer{w: w, isH265: cfg.VideoCodec == codec.VideoH265}

	var videoCodec mpegts.Codec
	if m.isH265 {
		videoCodec = &mpegts.CodecH265{}
	} else {
		videoCodec = &mpegts.CodecH264{}
	}
	m.videoTrack = &mpegts.Track{PID: TSVideoPID, Codec: videoCodec}
	m.tracks = append(m.tracks, m.videoTrack)

	if cfg.AudioCodec != "" {
		at, err := passthroughAudioTrack(cfg.AudioCodec)
		if err != nil {
			return nil, err
		}
		m.audioTrack = at
		m.tracks = append(m.tracks, m.audioTrack)
	}

	m.muxer = &mpegts.Writer{W: w, Tracks: m.tracks}
	if err := m.muxer.Initialize(); err != nil {
		return nil, fmt.Errorf("avio: initialize mpegts writer: %w", err)
	}
	return m, nil
}

func passthroughAudioTrack(a codec.Audio) (*mpegts.Track, error) {
	switch a {
	case codec.AudioAC3:
		return &mpegts.Track{PID: TSAudioPID, Codec: &mpegts.CodecAC3{SampleRate: 48000, ChannelCount: 2}}, nil
	case codec.AudioEAC3:
		return &mpegts.Track{PID: TSAudioPID, Codec: &mpegts.CodecEAC3{SampleRate: 48000, ChannelCount: 6}}, nil
	case codec.AudioMP3:
		return &mpegts.Track{PID: TSAudioPID, Codec: &mpegts.CodecMPEG1Audio{}}, nil
	default:
		return nil, fmt.Errorf("avio: audio passthrough codec %q not supported by the egress muxer", a)
	}
}

// WriteVideo writes one encoded video access unit. Key-frame access units
// have SPS/PPS/VPS prepended when the encoder didn't already emit them
// in-band, so a receiver joining mid-stream can always decode a keyframe.
func (m *Muxer) WriteVideo(pkt *media.CompressedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	au := annexBToAccessUnit(pkt.Data)
	if len(au) == 0 {
		return nil
	}
	m.trackParameterSets(au)
	if pkt.KeyFrame {
		au = m.prependParameterSets(au)
	}

	if m.isH265 {
		return m.muxer.WriteH265(m.videoTrack, pkt.PTS, pkt.DTS, au)
	}
	return m.muxer.WriteH264(m.videoTrack, pkt.PTS, pkt.DTS, au)
}

// WriteAudioPassthrough writes one untouched audio access unit from the
// input. It is the caller's responsibility to only invoke this when a
// passthrough audio track was configured.
func (m *Muxer) WriteAudioPassthrough(pkt *media.CompressedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioTrack == nil {
		return nil
	}
	switch m.audioTrack.Codec.(type) {
	case *mpegts.CodecAC3:
		return m.muxer.WriteAC3(m.audioTrack, pkt.PTS, pkt.Data)
	case *mpegts.CodecEAC3:
		return m.muxer.WriteEAC3(m.audioTrack, pkt.PTS, pkt.Data)
	case *mpegts.CodecMPEG1Audio:
		return m.muxer.WriteMPEG1Audio(m.audioTrack, pkt.PTS, [][]byte{pkt.Data})
	default:
		return nil
	}
}

func (m *Muxer) trackParameterSets(au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if m.isH265 {
			switch (nalu[0] >> 1) & 0x3f {
			case 32:
				m.vps = append([]byte(nil), nalu...)
			case 33:
				m.sps = append([]byte(nil), nalu...)
			case 34:
				m.pps = append([]byte(nil), nalu...)
			}
			continue
		}
		switch nalu[0] & 0x1f {
		case 7:
			m.sps = append([]byte(nil), nalu...)
		case 8:
			m.pps = append([]byte(nil), nalu...)
		}
	}
}

// prependParameterSets ensures a keyframe access unit carries its own
// SPS/PPS (and VPS for H.265) even if the encoder only emitted them once at
// stream start, so a receiver that joins mid-stream can decode it.
func (m *Muxer) prependParameterSets(au [][]byte) [][]byte {
	has := func(want byte) bool {
		for _, nalu := range au {
			if len(nalu) == 0 {
				continue
			}
			t := nalu[0] & 0x1f
			if m.isH265 {
				t = (nalu[0] >> 1) & 0x3f
			}
			if t == want {
				return true
			}
		}
		return false
	}

	var prefix [][]byte
	if m.isH265 {
		if m.vps != nil && !has(32) {
			prefix = append(prefix, m.vps)
		}
		if m.sps != nil && !has(33) {
			prefix = append(prefix, m.sps)
		}
		if m.pps != nil && !has(34) {
			prefix = append(prefix, m.pps)
		}
	} else {
		if m.sps != nil && !has(7) {
			prefix = append(prefix, m.sps)
		}
		if m.pps != nil && !has(8) {
			prefix = append(prefix, m.pps)
		}
	}
	if len(prefix) == 0 {
		return au
	}
	return append(prefix, au...)
}

// Close is a no-op: the mpegts.Writer holds no buffered state of its own.
// The underlying writer (SRT connection or file) is closed by the caller,
// not here.
func (m *Muxer) Close() error {
	return nil
}

// annexBToAccessUnit splits Annex-B start-code-delimited bitstream data
// into individual NAL units, falling back to treating the whole buffer as
// one NAL unit if it isn't Annex-B framed (e.g. already AVCC).
func annexBToAccessUnit(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 && (data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
	}
	return [][]byte{data}
}
