// SPDX-License-Identifier: MIT

// Package eventmgr implements the Event Manager of SPEC_FULL.md §4.5: it
// composes the HDMI Signal Monitor (RX) with a delayed TX status check, and
// derives the composite PassthroughState the auto-instance controller and
// external bus subscribers react to.
package eventmgr

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/capturemgrd/internal/auto"
	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/signalmon"
	"github.com/tomtom215/capturemgrd/internal/supervisor"
	"github.com/tomtom215/capturemgrd/internal/util"
)

// txSettleDelay is the pause after RX lock before trusting a TX read,
// matching the original's "wait 1.5s for TX stabilization" comment.
const txSettleDelay = 1500 * time.Millisecond

// TxReader returns the current HDMI TX (output) status. Implementations
// typically wrap a native library or a sysfs read; see internal/signalmon
// for the equivalent RX-side provider chain this module composes with.
type TxReader func(ctx context.Context) instance.TxStatus

// SignalFunc is a generic sink for both the RX SignalInfo and the
// composite PassthroughState, used to fan events out to bus subscribers
// without eventmgr depending on the bus package's wire types.
type SignalFunc func(name string, payload any)

// Manager wires the RX monitor to the TX settle check to the composite
// passthrough evaluation, and forwards the outcome to the auto-instance
// controller and any registered signal sink.
type Manager struct {
	rx         *signalmon.Monitor
	readTX     TxReader
	controller *auto.Controller
	sup        *supervisor.Supervisor
	logger     *slog.Logger
	emit       SignalFunc

	txSettleDelay time.Duration
	rxPollOpts    []signalmon.Option

	mu            sync.Mutex
	lastRX        instance.SignalInfo
	rxStable      bool
	lastTX        instance.TxStatus
	haveTX        bool
	lastPassState instance.PassthroughState
	havePassState bool
	txCheckCancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option   { return func(m *Manager) { m.logger = l } }
func WithSignalSink(f SignalFunc) Option { return func(m *Manager) { m.emit = f } }
func WithTxSettleDelay(d time.Duration) Option {
	return func(m *Manager) { m.txSettleDelay = d }
}

// WithRXPollIntervals overrides the RX monitor's adaptive poll cadence,
// primarily for tests (see signalmon.WithPollIntervals).
func WithRXPollIntervals(noSignal, signalActive, stability time.Duration) Option {
	return func(m *Manager) {
		m.rxPollOpts = append(m.rxPollOpts, signalmon.WithPollIntervals(noSignal, signalActive, stability))
	}
}

// New builds the RX monitor over provider, wires its callbacks back into
// the Manager's own Handle* methods, and starts polling immediately.
func New(provider signalmon.Provider, readTX TxReader, controller *auto.Controller, sup *supervisor.Supervisor, opts ...Option) *Manager {
	m := &Manager{
		readTX:        readTX,
		controller:    controller,
		sup:           sup,
		logger:        slog.Default(),
		txSettleDelay: txSettleDelay,
	}
	for _, opt := range opts {
		opt(m)
	}

	monitorOpts := append([]signalmon.Option{
		signalmon.WithLogger(m.logger),
		signalmon.WithOnStatusChange(m.HandleStatusChange),
		signalmon.WithOnSignalReady(m.HandleSignalReady),
		signalmon.WithOnSignalLost(m.HandleSignalLost),
	}, m.rxPollOpts...)
	m.rx = signalmon.New(provider, monitorOpts...)
	m.rx.Start(context.Background())
	return m
}

func (m *Manager) HandleStatusChange(status instance.SignalInfo) {
	m.mu.Lock()
	m.lastRX = status
	m.mu.Unlock()
	m.emitSignal("HdmiSignalChanged", status)
}

// HandleSignalReady is the RX monitor's on-signal-ready callback: marks RX
// stable and schedules a delayed TX check.
func (m *Manager) HandleSignalReady(status instance.SignalInfo) {
	m.logger.Info("hdmi rx signal ready", "resolution", status.Resolution())

	m.mu.Lock()
	m.rxStable = true
	if m.txCheckCancel != nil {
		m.txCheckCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.txCheckCancel = cancel
	m.mu.Unlock()

	util.SafeGo("delayed-tx-check", util.SlogWriter{Logger: m.logger}, func() { m.delayedTXCheck(ctx) }, nil)
}

// HandleSignalLost is the RX monitor's on-signal-lost callback: clears RX
// stability, re-evaluates passthrough (which will report lost), and
// applies the legacy behavior of stopping manual instances whose pipeline
// references the capture device directly.
func (m *Manager) HandleSignalLost() {
	m.logger.Info("hdmi rx signal lost")

	m.mu.Lock()
	m.rxStable = false
	m.haveTX = false
	m.lastTX = instance.TxStatus{}
	if m.txCheckCancel != nil {
		m.txCheckCancel()
		m.txCheckCancel = nil
	}
	m.mu.Unlock()

	m.evaluatePassthroughState(context.Background())
	m.stopLegacyDependentInstances(context.Background())
}

func (m *Manager) delayedTXCheck(ctx context.Context) {
	select {
	case <-time.After(m.txSettleDelay):
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	stillStable := m.rxStable
	m.mu.Unlock()
	if !stillStable {
		m.logger.Debug("rx no longer stable, skipping tx check")
		return
	}

	tx := m.readTX(ctx)
	m.mu.Lock()
	m.lastTX = tx
	m.haveTX = true
	m.mu.Unlock()

	m.logger.Debug("hdmi tx status", "connected", tx.Connected, "ready", tx.Ready, "resolution", tx.Width)
	m.evaluatePassthroughState(ctx)
}

// GetSignalStatus returns a fresh RX read, bypassing the poll loop's
// debounced last-known state (used by the bus facade's GetHdmiStatus).
func (m *Manager) GetSignalStatus(ctx context.Context) instance.SignalInfo {
	return m.rx.GetStatus(ctx)
}

// GetPassthroughState computes the current composite state without waiting
// for the next poll tick.
func (m *Manager) GetPassthroughState() instance.PassthroughState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.composePassthroughState()
}

func (m *Manager) composePassthroughState() instance.PassthroughState {
	canCapture := m.rxStable && m.haveTX && m.lastTX.Ready && m.lastTX.Connected
	return instance.PassthroughState{
		CanCapture:  canCapture,
		Resolution:  m.lastTX.TimingName,
		RxLocked:    m.lastRX.SignalLocked,
		TxReady:     m.haveTX && m.lastTX.Ready,
		TxConnected: m.haveTX && m.lastTX.Connected,
	}
}

func (m *Manager) evaluatePassthroughState(ctx context.Context) {
	m.mu.Lock()
	current := m.composePassthroughState()
	changed := !m.havePassState ||
		current.CanCapture != m.lastPassState.CanCapture ||
		current.Resolution != m.lastPassState.Resolution
	m.lastPassState = current
	m.havePassState = true
	tx := m.lastTX
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("passthrough state changed", "can_capture", current.CanCapture, "resolution", current.Resolution)
	m.emitSignal("PassthroughStateChanged", current)

	if m.controller == nil {
		return
	}
	if current.CanCapture {
		if err := m.controller.OnPassthroughReady(ctx, tx); err != nil {
			m.logger.Error("auto-instance controller error on passthrough ready", "error", err)
		}
	} else {
		if err := m.controller.OnPassthroughLost(ctx); err != nil {
			m.logger.Error("auto-instance controller error on passthrough lost", "error", err)
		}
	}
}

// stopLegacyDependentInstances stops any running manual instance whose
// pipeline references the raw capture device, matching the original's
// "also handle legacy HDMI signal ready instances" fallback for pipelines
// that were never migrated to the auto-instance model.
func (m *Manager) stopLegacyDependentInstances(ctx context.Context) {
	if m.sup == nil {
		return
	}
	const legacyDevice = "/dev/vdin1"
	for _, inst := range m.sup.List() {
		if inst.Status != instance.StatusRunning {
			continue
		}
		if !strings.Contains(inst.Pipeline, legacyDevice) {
			continue
		}
		m.logger.Info("stopping hdmi-dependent legacy instance", "id", inst.ID)
		if err := m.sup.Stop(ctx, inst.ID); err != nil {
			m.logger.Error("failed to stop legacy instance", "id", inst.ID, "error", err)
		}
	}
}

func (m *Manager) emitSignal(name string, payload any) {
	if m.emit != nil {
		m.emit(name, payload)
	}
}

// Stop stops the RX monitor and cancels any pending TX check.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.txCheckCancel != nil {
		m.txCheckCancel()
		m.txCheckCancel = nil
	}
	m.mu.Unlock()
	m.rx.Stop()
}
