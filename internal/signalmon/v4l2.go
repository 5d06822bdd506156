// SPDX-License-Identifier: MIT

package signalmon

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/retry"
)

// v4l2Devices mirrors the original's device probe order.
var v4l2Devices = []string{"/dev/video71", "/dev/video0", "/dev/vdin0"}

const v4l2QueryTimeout = 2 * time.Second

var (
	widthPattern  = regexp.MustCompile(`(?i)(?:Active\s+)?Width:\s*(\d+)`)
	heightPattern = regexp.MustCompile(`(?i)(?:Active\s+)?Height:\s*(\d+)`)
	fpsPattern    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*fps`)
	parenPattern  = regexp.MustCompile(`\((\d+)x(\d+)([pi])(\d+(?:\.\d+)?)\)`)
)

// V4L2Provider shells out to v4l2-ctl --query-dv-timings, the last resort
// when neither a native library nor a usable sysfs node is present. A
// Backoff records consecutive command failures and successes; it does not
// gate the queries, and every failure is logged at Debug level.
type V4L2Provider struct {
	logger  *slog.Logger
	backoff *retry.Backoff
}

func NewV4L2Provider(logger *slog.Logger) *V4L2Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Provider{
		logger:  logger,
		backoff: retry.NewBackoff(2*time.Second, 60*time.Second, 0),
	}
}

func (p *V4L2Provider) Read(ctx context.Context) instance.SignalInfo {
	info := instance.SignalInfo{Provenance: "v4l2"}

	if _, err := os.Stat("/dev/hdmirx0"); err == nil {
		info.CableConnected = true
	}

	for _, device := range v4l2Devices {
		if _, err := os.Stat(device); err != nil {
			continue
		}
		info.CableConnected = true

		out, err := p.queryDVTimings(ctx, device)
		if err != nil {
			p.backoff.RecordFailure()
			p.logger.Debug("v4l2-ctl query failed", "device", device, "error", err)
			continue
		}
		p.backoff.RecordSuccess(v4l2QueryTimeout)

		if out == "" {
			continue
		}
		info.CableConnected = true
		info.SignalLocked = true
		info.Raw = out
		parseV4L2Timings(out, &info)
		if info.Width > 0 {
			break
		}
	}

	return info
}

func (p *V4L2Provider) queryDVTimings(ctx context.Context, device string) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, v4l2QueryTimeout)
	defer cancel()

	cmd := exec.CommandContext(qctx, "v4l2-ctl", "-d", device, "--query-dv-timings")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseV4L2Timings(out string, info *instance.SignalInfo) {
	if m := widthPattern.FindStringSubmatch(out); m != nil {
		info.Width, _ = strconv.Atoi(m[1])
	}
	if m := heightPattern.FindStringSubmatch(out); m != nil {
		info.Height, _ = strconv.Atoi(m[1])
	}
	if m := fpsPattern.FindStringSubmatch(out); m != nil {
		f, _ := strconv.ParseFloat(m[1], 64)
		info.FPS = int(f)
	}
	if info.Width == 0 || info.Height == 0 {
		if m := parenPattern.FindStringSubmatch(out); m != nil {
			info.Width, _ = strconv.Atoi(m[1])
			info.Height, _ = strconv.Atoi(m[2])
			info.Interlaced = strings.EqualFold(m[3], "i")
			f, _ := strconv.ParseFloat(m[4], 64)
			info.FPS = int(f)
		}
	}
}
