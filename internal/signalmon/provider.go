// SPDX-License-Identifier: MIT

package signalmon

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tomtom215/capturemgrd/internal/instance"
)

// Provider reads the current HDMI RX status from one backend. It never
// returns an error: a backend that can't answer reports
// SignalInfo{SignalLocked: false}, leaving the decision of whether to fall
// through to the next provider to the chain that composes it.
type Provider interface {
	Read(ctx context.Context) instance.SignalInfo
}

// hdmirxSysfsPaths mirrors the original's HDMIRX_SYSFS_PATHS search list.
var hdmirxSysfsPaths = []string{
	"/sys/class/hdmirx/hdmirx0",
	"/sys/class/hdmirx/hdmirx1",
	"/sys/kernel/debug/hdmirx",
	"/sys/devices/platform/hdmirx",
}

// resolutionPattern matches "1920x1080p60" style info strings.
var resolutionPattern = regexp.MustCompile(`(?i)(\d+)x(\d+)([pi])(\d+)`)
var colorFormatPattern = regexp.MustCompile(`(?i)(rgb|yuv|ycbcr)\d*`)

// NativeProvider wraps an optional native signal-reading library (analogous
// to the original's libtvclient.so integration). Reader is nil unless a
// native backend was actually linked/loaded; when nil, Read always reports
// !available so the chain falls through to sysfs.
type NativeProvider struct {
	Reader func(ctx context.Context) (instance.SignalInfo, bool)
}

func (p NativeProvider) Read(ctx context.Context) instance.SignalInfo {
	if p.Reader == nil {
		return instance.SignalInfo{}
	}
	info, ok := p.Reader(ctx)
	if !ok {
		return instance.SignalInfo{}
	}
	info.Provenance = "native"
	return info
}

// SysfsProvider reads cable/signal/info text files under one of
// hdmirxSysfsPaths, in the teacher's SafeBase10/readBusDevNum idiom of
// defensive sysfs text parsing (trim, tolerate missing files, never panic
// on malformed input).
type SysfsProvider struct {
	path   string
	logger *slog.Logger
}

// NewSysfsProvider locates the first existing hdmirx sysfs directory, or
// returns a provider with path == "" that always reports unavailable.
func NewSysfsProvider(logger *slog.Logger) *SysfsProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SysfsProvider{logger: logger}
	for _, candidate := range hdmirxSysfsPaths {
		if _, err := os.Stat(candidate); err == nil {
			p.path = candidate
			break
		}
	}
	return p
}

func (p *SysfsProvider) Read(_ context.Context) instance.SignalInfo {
	if p.path == "" {
		return instance.SignalInfo{}
	}

	info := instance.SignalInfo{Provenance: "sysfs"}

	cable := readSysfsFile(p.path + "/cable")
	if cable == "" {
		info.CableConnected = true // assume connected if the node is silent
	} else {
		info.CableConnected = cable == "1" || cable == "connected" || cable == "true"
	}

	if signal := readSysfsFile(p.path + "/signal"); signal != "" {
		info.SignalLocked = signal == "1" || signal == "locked" || signal == "true"
	}

	if raw := readSysfsFile(p.path + "/info"); raw != "" {
		info.Raw = raw
		parseHDMIInfo(raw, &info)
		if info.Width > 0 && info.Height > 0 {
			info.SignalLocked = true
		}
	}

	return info
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseHDMIInfo(raw string, info *instance.SignalInfo) {
	lower := strings.ToLower(raw)
	if m := resolutionPattern.FindStringSubmatch(lower); m != nil {
		info.Width, _ = strconv.Atoi(m[1])
		info.Height, _ = strconv.Atoi(m[2])
		info.Interlaced = m[3] == "i"
		info.FPS, _ = strconv.Atoi(m[4])
	}
	if m := colorFormatPattern.FindStringSubmatch(lower); m != nil {
		info.ColorFormat = strings.ToUpper(m[0])
	}
}

// ChainProvider tries each Provider in order and returns the first result
// with SignalLocked or CableConnected set, matching the original's
// tvservice -> sysfs -> v4l2-ctl preference order.
type ChainProvider struct {
	providers []Provider
}

func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (c *ChainProvider) Read(ctx context.Context) instance.SignalInfo {
	for _, p := range c.providers {
		info := p.Read(ctx)
		if info.CableConnected || info.SignalLocked {
			return info
		}
	}
	return instance.SignalInfo{Provenance: "none"}
}

// NewDefaultProvider builds the production chain: an optional native
// provider (nil reader unless the caller wired one in), sysfs, and the
// v4l2-ctl subprocess fallback.
func NewDefaultProvider(native NativeProvider, logger *slog.Logger) *ChainProvider {
	return NewChainProvider(
		native,
		NewSysfsProvider(logger),
		NewV4L2Provider(logger),
	)
}
