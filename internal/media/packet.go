package media

import "sync/atomic"

// CompressedPacket is an owned, reference-counted chunk of encoded bitstream
// moving between Ingress, Decode, Encode and Egress. It is owned by exactly
// one stage at a time; ownership transfers atomically on queue push. If a
// push is refused because the destination queue has been stopped, the
// producer must call Release itself.
type CompressedPacket struct {
	Data        []byte
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    TimeBase
	KeyFrame    bool

	// RenditionIndex identifies the encoder/output rendition this packet
	// belongs to; set by the Encode stage, consumed by Egress.
	RenditionIndex int

	refs    *int32
	release func(*CompressedPacket)
}

// NewCompressedPacket wraps data into a fresh, singly-referenced packet.
// release, if non-nil, is invoked once the reference count reaches zero.
func NewCompressedPacket(data []byte, release func(*CompressedPacket)) *CompressedPacket {
	count := int32(1)
	return &CompressedPacket{
		Data:    data,
		PTS:     NoPTS,
		DTS:     NoPTS,
		refs:    &count,
		release: release,
	}
}

// Ref returns a new handle to the same underlying buffer, incrementing the
// shared reference count. Both the receiver and the returned clone must be
// released independently; the underlying payload is freed only once every
// clone has been released. Metadata fields are copied, not shared, so a
// clone's caller may retag StreamIndex/RenditionIndex without affecting
// siblings — the quality adjunct relies on this to attach its own
// RenditionIndex to a decode-side reference copy.
func (p *CompressedPacket) Ref() *CompressedPacket {
	atomic.AddInt32(p.refs, 1)
	clone := *p
	return &clone
}

// Release decrements the shared reference count and invokes the release
// callback once it reaches zero. Safe to call exactly once per handle
// (including handles returned by Ref); calling it more than once on the
// same handle is a caller bug, matching the single-owner-at-a-time
// invariant of the rest of the pipeline.
func (p *CompressedPacket) Release() {
	if p == nil || p.refs == nil {
		return
	}
	if atomic.AddInt32(p.refs, -1) == 0 && p.release != nil {
		p.release(p)
	}
}

// WithUnknownDTS reports whether DTS has never been set.
func (p *CompressedPacket) WithUnknownDTS() bool {
	return p.DTS == NoPTS
}

// WithUnknownPTS reports whether PTS has never been set.
func (p *CompressedPacket) WithUnknownPTS() bool {
	return p.PTS == NoPTS
}
