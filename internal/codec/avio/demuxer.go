// Package avio adapts github.com/asticode/go-astiav's libav bindings to the
// narrow demux/decode/scale/encode/mux surface the pipeline stages need,
// so no other package touches astiav's cgo types directly.
package avio

import (
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/tvpipe/tvpipe/internal/media"
)

// Demuxer opens one input (a file path or a transport URL such as srt://,
// opened by libav itself) and yields compressed packets stream by
// stream, tagging each with its input time base.
type Demuxer struct {
	fc      *astiav.FormatContext
	pkt     *astiav.Packet
	streams []astiav.CodecParameters
	tbs     []media.TimeBase
	videoIx int
	audioIx int
}

// DemuxerOptions tunes the input dictionary passed to OpenInput.
type DemuxerOptions struct {
	// IOTimeout is passed to the protocol as its socket timeout
	// ("stimeout", in microseconds); a read that times out fails with an
	// error, which the ingress stage counts as a source failure.
	IOTimeout time.Duration
	// BufferSize sets the demuxer's internal network buffer in bytes.
	BufferSize int
}

// OpenDemuxer opens url and probes its stream information.
func OpenDemuxer(url string, opts DemuxerOptions) (*Demuxer, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("avio: AllocFormatContext failed")
	}

	rd := astiav.NewDictionary()
	defer rd.Free()
	_ = rd.Set("fflags", "+genpts+discardcorrupt", 0)
	_ = rd.Set("flags", "+low_delay", 0)
	if opts.BufferSize > 0 {
		_ = rd.Set("buffer_size", fmt.Sprintf("%d", opts.BufferSize), 0)
	}
	if opts.IOTimeout > 0 {
		_ = rd.Set("stimeout", fmt.Sprintf("%d", opts.IOTimeout.Microseconds()), 0)
	}

	if err := fc.OpenInput(url, nil, rd); err != nil {
		fc.Free()
		return nil, fmt.Errorf("avio: open input %q: %w", url, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("avio: find stream info: %w", err)
	}

	d := &Demuxer{
		fc:      fc,
		pkt:     astiav.AllocPacket(),
		videoIx: -1,
		audioIx: -1,
	}
	for i, s := range fc.Streams() {
		par := s.CodecParameters()
		d.streams = append(d.streams, par)
		tb := s.TimeBase()
		d.tbs = append(d.tbs, media.TimeBase{Num: int64(tb.Num()), Den: int64(tb.Den())})
		switch par.MediaType() {
		case astiav.MediaTypeVideo:
			if d.videoIx < 0 {
				d.videoIx = i
			}
		case astiav.MediaTypeAudio:
			if d.audioIx < 0 {
				d.audioIx = i
			}
		}
	}
	if d.videoIx < 0 {
		d.Close()
		return nil, errors.New("avio: no video stream in input")
	}
	return d, nil
}

// VideoStreamIndex returns the index of the first video stream, or -1.
func (d *Demuxer) VideoStreamIndex() int { return d.videoIx }

// AudioStreamIndex returns the index of the first audio stream, or -1.
func (d *Demuxer) AudioStreamIndex() int { return d.audioIx }

// StreamTimeBase returns the input time base for the given stream index.
func (d *Demuxer) StreamTimeBase(streamIndex int) media.TimeBase {
	if streamIndex < 0 || streamIndex >= len(d.tbs) {
		return media.TimeBase{}
	}
	return d.tbs[streamIndex]
}

// CodecParameters returns the raw astiav codec parameters for a stream, for
// use by OpenDecoder.
func (d *Demuxer) CodecParameters(streamIndex int) astiav.CodecParameters {
	return d.streams[streamIndex]
}

// ReadPacket reads the next packet into a CompressedPacket. It returns
// (nil, astiav's read error) at end of stream; callers distinguish EOF by
// errors.Is(err, astiav.ErrEof).
func (d *Demuxer) ReadPacket() (*media.CompressedPacket, error) {
	if err := d.fc.ReadFrame(d.pkt); err != nil {
		return nil, err
	}
	defer d.pkt.Unref()

	data := make([]byte, d.pkt.Size())
	copy(data, d.pkt.Data())

	p := media.NewCompressedPacket(data, nil)
	p.StreamIndex = d.pkt.StreamIndex()
	p.PTS = ptsOrNoPTS(d.pkt.Pts())
	p.DTS = ptsOrNoPTS(d.pkt.Dts())
	p.Duration = d.pkt.Duration()
	p.TimeBase = d.StreamTimeBase(p.StreamIndex)
	p.KeyFrame = d.pkt.Flags().Has(astiav.PacketFlagKey)
	return p, nil
}

// Close releases the format context and scratch packet.
func (d *Demuxer) Close() error {
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc.Free()
		d.fc = nil
	}
	return nil
}

func ptsOrNoPTS(v int64) int64 {
	if v == astiav.NoPtsValue {
		return media.NoPTS
	}
	return v
}
