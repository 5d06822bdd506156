// SPDX-License-Identifier: MIT

// Package auto implements the Auto-Instance Controller and Pipeline Builder
// of SPEC_FULL.md §4.4: a single system-managed instance that captures the
// HDMI TX loopback, builds its gst-launch-1.0 pipeline from an AutoConfig,
// and tracks HDMI passthrough readiness to start/stop itself.
package auto

import (
	"fmt"
	"strings"

	"github.com/tomtom215/capturemgrd/internal/instance"
)

// PipelineBuilder renders the fixed auto-instance pipeline topology —
// v4l2src (HDMI TX loopback) into amlvenc H.265, alsasrc into avenc_aac,
// muxed by mpegtsmux, out to srtsink (always) and optionally tee'd to a
// filesink for local recording — the way _examples/original_source/
// backend/auto_instance.py's PipelineBuilder does, with every element and
// property name kept verbatim since this must match what the hardware
// encoder plugin actually expects.
type PipelineBuilder struct{}

// Build renders the complete pipeline string for cfg.
func (PipelineBuilder) Build(cfg instance.AutoConfig) string {
	gop := int(float64(cfg.Framerate) * cfg.GopIntervalSeconds)
	audioDevice := cfg.AudioSource.AudioDevice()

	var b strings.Builder
	fmt.Fprintf(&b,
		"v4l2src device=/dev/video71 io-mode=dmabuf do-timestamp=true ! "+
			"video/x-raw,format=NV21,width=%d,height=%d,framerate=%d/1 ! "+
			"queue max-size-buffers=30 max-size-time=0 max-size-bytes=0 ! "+
			"amlvenc gop=%d gop-pattern=0 framerate=%d bitrate=%d rc-mode=%d ! "+
			"video/x-h265 ! "+
			"h265parse config-interval=-1 ! "+
			"queue max-size-buffers=30 max-size-time=0 max-size-bytes=0 ! "+
			"mux. ",
		cfg.Width, cfg.Height, cfg.Framerate,
		gop, cfg.Framerate, cfg.BitrateKbps, int(cfg.RcMode),
	)
	fmt.Fprintf(&b,
		"alsasrc device=%s buffer-time=50000 provide-clock=false slave-method=re-timestamp ! "+
			"audio/x-raw,rate=48000,channels=2,format=S16LE ! "+
			"queue max-size-buffers=0 max-size-time=500000000 max-size-bytes=0 ! "+
			"audioconvert ! audioresample ! avenc_aac bitrate=128000 ! aacparse ! "+
			"queue max-size-buffers=0 max-size-time=500000000 max-size-bytes=0 ! "+
			"mux. ",
		audioDevice,
	)
	b.WriteString("mpegtsmux name=mux alignment=7 latency=100000000")

	if cfg.RecordingEnabled {
		fmt.Fprintf(&b,
			" ! tee name=t "+
				"t. ! queue ! filesink location=\"%s\" "+
				"t. ! queue ! srtsink uri=\"srt://:%d\" wait-for-connection=false latency=600 sync=false",
			cfg.RecordingPath, cfg.SrtPort,
		)
	} else {
		fmt.Fprintf(&b,
			" ! srtsink uri=\"srt://:%d\" wait-for-connection=false latency=600 sync=false",
			cfg.SrtPort,
		)
	}

	return b.String()
}

// BuildPreview renders Build's output with a line break after each element,
// for display in the setup wizard (internal/menu) or a status query.
func (pb PipelineBuilder) BuildPreview(cfg instance.AutoConfig) string {
	return strings.ReplaceAll(pb.Build(cfg), " ! ", " ! \\\n   ")
}
