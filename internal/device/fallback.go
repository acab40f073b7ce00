package device

import (
	"context"
	"log/slog"

	"github.com/tvpipe/tvpipe/internal/codec"
	"github.com/tvpipe/tvpipe/internal/ffmpeg"
)

// softwareFallbackEncoders maps a hardware encoder name to its software
// equivalent, used when device context creation fails at startup or when
// an encoder open call against the device fails.
var softwareFallbackEncoders = map[string]string{
	"h264_nvenc": "libx264",
	"hevc_nvenc": "libx265",
	"av1_nvenc":  "libaom-av1",

	"h264_qsv": "libx264",
	"hevc_qsv": "libx265",
	"av1_qsv":  "libaom-av1",
	"vp9_qsv":  "libvpx-vp9",

	"h264_vaapi": "libx264",
	"hevc_vaapi": "libx265",
	"vp9_vaapi":  "libvpx-vp9",
	"av1_vaapi":  "libaom-av1",

	"h264_videotoolbox": "libx264",
	"hevc_videotoolbox": "libx265",
}

// SoftwareFallback returns the software encoder to substitute for a
// hardware encoder name, or "" if no mapping is known.
func SoftwareFallback(hwEncoder string) string {
	return softwareFallbackEncoders[hwEncoder]
}

// OpenWithFallback opens a hardware device context for accel, demoting to
// software (returning a nil *Context and ok=false, never an error) if
// device creation fails. This implements the §7 initialization-error
// fallback policy: a GPU that is unavailable at startup degrades the
// session to software encoding instead of aborting it, unlike a
// genuinely unrecoverable configuration error.
func OpenWithFallback(accel codec.HWAccel, logger *slog.Logger) (ctx *Context, ok bool) {
	if logger == nil {
		logger = slog.Default()
	}
	devCtx, err := Open(accel, logger)
	if err != nil {
		logger.Warn("hardware device initialization failed, falling back to software",
			slog.String("hwaccel", string(accel)), slog.String("error", err.Error()))
		return nil, false
	}
	return devCtx, devCtx != nil
}

// DetectPriority probes the configured hwaccel priority list with
// internal/ffmpeg's detector and returns the first one that is both listed
// in priority and actually available, or codec.HWAccelNone if none are.
func DetectPriority(detector *ffmpeg.HWAccelDetector, priority []string, logger *slog.Logger) codec.HWAccel {
	if detector == nil || logger == nil {
		return codec.HWAccelNone
	}
	infos, err := detector.Detect(context.Background())
	if err != nil {
		logger.Warn("hwaccel detection failed, defaulting to software", slog.String("error", err.Error()))
		return codec.HWAccelNone
	}
	available := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Available {
			available[string(info.Type)] = true
		}
	}
	for _, name := range priority {
		if name == "none" {
			return codec.HWAccelNone
		}
		if available[name] {
			if hw, ok := codec.ParseHWAccel(name); ok {
				return hw
			}
		}
	}
	return codec.HWAccelNone
}
