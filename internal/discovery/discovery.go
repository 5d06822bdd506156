// SPDX-License-Identifier: MIT

// Package discovery implements the read-only board-context collaborator of
// SPEC_FULL.md §6: a report of the video capture nodes, ALSA audio cards,
// and hardware encoder present on the board, answering GetBoardContext
// without touching any instance state.
package discovery

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// VideoDevice is one /dev/video* capture node.
type VideoDevice struct {
	Path string
	Name string
}

// AudioDevice is one ALSA sound card, reported the same way
// internal/audio.DetectDevices does for USB microphones, generalized to
// every card (not only USB) since board context is read-only reporting,
// not device-selection.
type AudioDevice struct {
	CardNumber int
	Name       string
}

// BoardContext is the record returned by GetBoardContext.
type BoardContext struct {
	VideoDevices []VideoDevice
	AudioDevices []AudioDevice
	Encoders     []string
}

// Provider answers GetBoardContext. The shipped Default implementation
// walks sysfs/procfs; a test or alternate board can substitute a stub.
type Provider interface {
	GetContext() (BoardContext, error)
}

// Default walks /proc/asound/cards, /sys/class/video4linux, and a fixed set
// of known hardware-encoder device nodes, the same non-invasive "read
// sysfs/procfs text, never open the device" approach as
// internal/audio.DetectDevices and internal/audio.DetectCapabilities.
type Default struct {
	AsoundCardsPath  string
	Video4LinuxClass string
	EncoderNodes     map[string]string
}

var cardLinePattern = regexp.MustCompile(`^\s*(\d+)\s+\[([^]]+)\]:\s*(.+)$`)

// NewDefault returns a Default wired to the standard Linux paths.
func NewDefault() *Default {
	return &Default{
		AsoundCardsPath:  "/proc/asound/cards",
		Video4LinuxClass: "/sys/class/video4linux",
		EncoderNodes: map[string]string{
			"amlvenc": "/dev/amvenc",
		},
	}
}

// GetContext gathers everything discoverable without error, using best
// effort: a missing subsystem yields an empty slice, not a failure, since
// board context is advisory.
func (d *Default) GetContext() (BoardContext, error) {
	ctx := BoardContext{
		VideoDevices: d.videoDevices(),
		AudioDevices: d.audioDevices(),
		Encoders:     d.encoders(),
	}
	return ctx, nil
}

func (d *Default) videoDevices() []VideoDevice {
	entries, err := os.ReadDir(d.Video4LinuxClass)
	if err != nil {
		return nil
	}
	var out []VideoDevice
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "video") {
			continue
		}
		namePath := filepath.Join(d.Video4LinuxClass, e.Name(), "name")
		raw, err := os.ReadFile(namePath)
		name := ""
		if err == nil {
			name = strings.TrimSpace(string(raw))
		}
		out = append(out, VideoDevice{
			Path: "/dev/" + e.Name(),
			Name: name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (d *Default) audioDevices() []AudioDevice {
	f, err := os.Open(d.AsoundCardsPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []AudioDevice
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := cardLinePattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, AudioDevice{
			CardNumber: num,
			Name:       strings.TrimSpace(m[3]),
		})
	}
	return out
}

func (d *Default) encoders() []string {
	var out []string
	names := make([]string, 0, len(d.EncoderNodes))
	for name := range d.EncoderNodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := os.Stat(d.EncoderNodes[name]); err == nil {
			out = append(out, name)
		}
	}
	return out
}

// String renders a BoardContext for logging/debugging.
func (c BoardContext) String() string {
	return fmt.Sprintf("video=%d audio=%d encoders=%v", len(c.VideoDevices), len(c.AudioDevices), c.Encoders)
}
