// SPDX-License-Identifier: MIT

// Package instance defines the data model shared by the supervisor, the
// persistence store, and the auto-instance controller: an Instance and its
// embedded policies, and the signal-side types produced by the HDMI monitor
// and event manager.
package instance

import (
	"strconv"
	"time"
)

// Status is one state in the supervisor's state machine.
type Status string

const (
	StatusStopped       Status = "stopped"
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusError         Status = "error"
	StatusWaitingSignal Status = "waiting_signal"
)

// TriggerEvent names the edge that should autostart an instance.
type TriggerEvent string

const (
	TriggerNone                  TriggerEvent = ""
	TriggerBoot                  TriggerEvent = "boot"
	TriggerHdmiSignalReady       TriggerEvent = "hdmi_signal_ready"
	TriggerHdmiPassthroughReady  TriggerEvent = "hdmi_passthrough_ready"
)

// Type classifies who owns an instance's lifecycle.
type Type string

const (
	TypeManual Type = "manual"
	TypeAuto   Type = "auto"
)

// AudioSource selects one of the two fixed capture devices wired into the
// pipeline builder.
type AudioSource string

const (
	AudioSourcePrimaryLoopback AudioSource = "primary_loopback"
	AudioSourceLineIn          AudioSource = "line_in"
)

// AudioDevice returns the ALSA device node for the source, or "" if unknown.
func (a AudioSource) AudioDevice() string {
	switch a {
	case AudioSourcePrimaryLoopback:
		return "hw:0,6"
	case AudioSourceLineIn:
		return "hw:0,0"
	default:
		return ""
	}
}

// RcMode is the encoder rate-control mode.
type RcMode int

const (
	RcModeVBR    RcMode = 0
	RcModeCBR    RcMode = 1
	RcModeFixedQP RcMode = 2
)

// Valid reports whether m is one of the three recognized modes.
func (m RcMode) Valid() bool {
	return m == RcModeVBR || m == RcModeCBR || m == RcModeFixedQP
}

// RecoveryPolicy governs the reaper's restart decision for one instance.
type RecoveryPolicy struct {
	AutoRestart       bool `yaml:"auto_restart" json:"auto_restart"`
	MaxRetries        int  `yaml:"max_retries" json:"max_retries"`
	RetryDelaySeconds int  `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`

	// RestartOnSignal is persisted for source-compatibility but is never
	// read by any transition in the supervisor's state machine (see
	// SPEC_FULL.md §9, Open Question (a)).
	RestartOnSignal bool `yaml:"restart_on_signal" json:"restart_on_signal"`
}

// RecordingPolicy is advisory: toggling Enabled never rewrites a live
// pipeline (SPEC_FULL.md §9, Open Question (b)).
type RecordingPolicy struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	Location          string `yaml:"location" json:"location"`
	MaxSegmentSeconds int    `yaml:"max_segment_seconds" json:"max_segment_seconds"`
}

// AutoConfig holds the recognized auto-instance options; see
// SPEC_FULL.md §3 for the effect of each field.
type AutoConfig struct {
	GopIntervalSeconds float64     `yaml:"gop_interval_seconds" json:"gop_interval_seconds"`
	BitrateKbps        int         `yaml:"bitrate_kbps" json:"bitrate_kbps"`
	RcMode             RcMode      `yaml:"rc_mode" json:"rc_mode"`
	AudioSource        AudioSource `yaml:"audio_source" json:"audio_source"`
	SrtPort            int         `yaml:"srt_port" json:"srt_port"`
	RecordingEnabled   bool        `yaml:"recording_enabled" json:"recording_enabled"`
	RecordingPath      string      `yaml:"recording_path" json:"recording_path"`
	AutostartOnReady   bool        `yaml:"autostart_on_ready" json:"autostart_on_ready"`
	Width              int         `yaml:"width" json:"width"`
	Height             int         `yaml:"height" json:"height"`
	Framerate          int         `yaml:"framerate" json:"framerate"`
}

// DefaultAutoConfig returns the built-in defaults recovered from the
// original AutoInstanceConfig dataclass.
func DefaultAutoConfig() AutoConfig {
	return AutoConfig{
		GopIntervalSeconds: 1.0,
		BitrateKbps:        20000,
		RcMode:             RcModeCBR,
		AudioSource:        AudioSourcePrimaryLoopback,
		SrtPort:            8888,
		RecordingEnabled:   false,
		RecordingPath:      "/mnt/sdcard/recordings/capture.ts",
		AutostartOnReady:   true,
		Width:              3840,
		Height:             2160,
		Framerate:          60,
	}
}

// Instance is a configured pipeline plus its runtime state and optional
// child process.
type Instance struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Pipeline     string       `yaml:"pipeline" json:"pipeline"`
	Status       Status       `yaml:"status" json:"status"`
	PID          int          `yaml:"pid,omitempty" json:"pid,omitempty"`
	Autostart    bool         `yaml:"autostart" json:"autostart"`
	TriggerEvent TriggerEvent `yaml:"trigger_event,omitempty" json:"trigger_event,omitempty"`

	Recovery RecoveryPolicy  `yaml:"recovery" json:"recovery"`
	Recording RecordingPolicy `yaml:"recording" json:"recording"`

	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	ModifiedAt time.Time `yaml:"modified_at" json:"modified_at"`

	// Transient runtime fields. Reset to zero values by Store.LoadAll.
	ErrorMessage string    `yaml:"-" json:"error_message,omitempty"`
	RetryCount   int       `yaml:"-" json:"retry_count"`
	UptimeStart  time.Time `yaml:"-" json:"-"`
	ErrorLogs    []string  `yaml:"-" json:"-"`

	InstanceType Type        `yaml:"instance_type" json:"instance_type"`
	AutoConfig   *AutoConfig `yaml:"auto_config,omitempty" json:"auto_config,omitempty"`
}

// ResetRuntimeFields clears every field that only has meaning while the
// daemon that created it is alive, matching Store.load_all's contract:
// "on return, all runtime-only fields are reset".
func (i *Instance) ResetRuntimeFields() {
	i.Status = StatusStopped
	i.PID = 0
	i.ErrorMessage = ""
	i.RetryCount = 0
	i.UptimeStart = time.Time{}
	i.ErrorLogs = nil
}

// SignalInfo describes the HDMI input (RX) side at a point in time.
type SignalInfo struct {
	CableConnected bool   `json:"cable_connected"`
	SignalLocked   bool   `json:"signal_locked"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	Interlaced     bool   `json:"interlaced"`
	ColorFormat    string `json:"color_format,omitempty"`
	Raw            string `json:"raw,omitempty"`
	Provenance     string `json:"provenance"` // native|sysfs|v4l2
}

// Resolution renders "{W}x{H}{p|i}{fps}" when locked, else "".
func (s SignalInfo) Resolution() string {
	if !s.SignalLocked {
		return ""
	}
	scan := "p"
	if s.Interlaced {
		scan = "i"
	}
	return formatResolution(s.Width, s.Height, scan, s.FPS)
}

func formatResolution(w, h int, scan string, fps int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h) + scan + strconv.Itoa(fps)
}

// TxStatus describes the HDMI output (TX) side.
type TxStatus struct {
	Connected   bool   `json:"connected"`
	Enabled     bool   `json:"enabled"`
	Ready       bool   `json:"ready"`
	Passthrough bool   `json:"passthrough"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FPS         int    `json:"fps"`
	TimingName  string `json:"timing_name"`
}

// PassthroughState is the composite projection the event manager emits.
type PassthroughState struct {
	CanCapture bool   `json:"can_capture"`
	Resolution string `json:"resolution"`
	RxLocked   bool   `json:"rx_locked"`
	TxReady    bool   `json:"tx_ready"`
	TxConnected bool  `json:"tx_connected"`
}
