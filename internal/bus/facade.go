// SPDX-License-Identifier: MIT

// Package bus implements the external-interface façade of SPEC_FULL.md §6: a
// plain Go adapter with one method per bus method name, mapping each to a
// Supervisor/Controller/Store/Discovery operation and translating
// internal/instance errors to the bus's four typed error codes at this
// boundary only. No message-bus transport is wired here — spec §1 scopes
// the transport binding itself out of the core, and no repo in the example
// pack carries a D-Bus client/server library as part of its chosen stack,
// so there is nothing in the corpus to adopt for that concern (see
// DESIGN.md).
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tomtom215/capturemgrd/internal/auto"
	"github.com/tomtom215/capturemgrd/internal/discovery"
	"github.com/tomtom215/capturemgrd/internal/eventmgr"
	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/store"
	"github.com/tomtom215/capturemgrd/internal/supervisor"
)

// GenerateFunc proxies AiGeneratePipeline to an injected generation agent;
// no agent logic lives in this module.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// FixFunc proxies AiFixError the same way.
type FixFunc func(ctx context.Context, errText string) (string, error)

// Facade adapts the Supervisor, Store, auto-instance Controller, and
// discovery Provider to the bus method table.
type Facade struct {
	sup        *supervisor.Supervisor
	store      *store.Store
	controller *auto.Controller
	discovery  discovery.Provider
	events     *eventmgr.Manager

	logger     *slog.Logger
	sink       SignalSink
	aiGenerate GenerateFunc
	aiFix      FixFunc
}

// Option configures a Facade.
type Option func(*Facade)

func WithLogger(l *slog.Logger) Option       { return func(f *Facade) { f.logger = l } }
func WithSignalSink(sink SignalSink) Option  { return func(f *Facade) { f.sink = sink } }
func WithDiscovery(d discovery.Provider) Option {
	return func(f *Facade) { f.discovery = d }
}
func WithAIGenerate(fn GenerateFunc) Option { return func(f *Facade) { f.aiGenerate = fn } }
func WithAIFix(fn FixFunc) Option           { return func(f *Facade) { f.aiFix = fn } }

// New builds a Facade over sup/st/controller and registers itself as the
// Supervisor's status listener so InstanceStatusChanged is emitted without
// any further wiring. AttachEventManager must be called once the event
// manager exists, since the event manager's own signal sink is typically
// this Facade's Emit method and so cannot be built before the Facade is.
func New(sup *supervisor.Supervisor, st *store.Store, controller *auto.Controller, opts ...Option) *Facade {
	f := &Facade{
		sup:        sup,
		store:      st,
		controller: controller,
		discovery:  discovery.NewDefault(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	sup.RegisterStatusListener(func(id string, status instance.Status) {
		f.Emit("InstanceStatusChanged", map[string]any{"id": id, "state": status})
	})
	return f
}

// AttachEventManager wires the Event Manager in for GetHdmiStatus and
// GetPassthroughState; called once during daemon startup, after both the
// Facade and the Event Manager have been constructed.
func (f *Facade) AttachEventManager(em *eventmgr.Manager) {
	f.events = em
}

// Emit forwards a signal to the configured sink, if any.
func (f *Facade) Emit(name string, payload any) {
	if f.sink != nil {
		f.sink(Signal{Name: name, Payload: payload})
	}
}

func encodeRecord(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &Error{Code: ErrGeneric, Message: err.Error()}
	}
	return string(data), nil
}

// ListInstances returns the current in-memory table.
func (f *Facade) ListInstances() (string, error) {
	return encodeRecord(f.sup.List())
}

// CreateInstance delegates to Supervisor.Create.
func (f *Facade) CreateInstance(name, pipeline string) (string, error) {
	id, err := f.sup.Create(name, pipeline)
	return id, mapErr(err)
}

// DeleteInstance delegates to Supervisor.Delete.
func (f *Facade) DeleteInstance(id string) (bool, error) {
	if err := f.sup.Delete(id); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// StartInstance delegates to Supervisor.Start.
func (f *Facade) StartInstance(ctx context.Context, id string) (bool, error) {
	if err := f.sup.Start(ctx, id); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// StopInstance delegates to Supervisor.Stop.
func (f *Facade) StopInstance(ctx context.Context, id string) (bool, error) {
	if err := f.sup.Stop(ctx, id); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// GetInstanceStatus delegates to Supervisor.Status.
func (f *Facade) GetInstanceStatus(id string) (string, error) {
	st, err := f.sup.Status(id)
	if err != nil {
		return "", mapErr(err)
	}
	return encodeRecord(st)
}

// UpdatePipeline delegates to Supervisor.UpdatePipeline.
func (f *Facade) UpdatePipeline(id, pipeline string) (bool, error) {
	if err := f.sup.UpdatePipeline(id, pipeline); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// GetInstanceLogs returns the tail of id's captured stderr.
func (f *Facade) GetInstanceLogs(id string, n int) ([]string, error) {
	logs, err := f.sup.GetLogs(id, n)
	if err != nil {
		return nil, mapErr(err)
	}
	return logs, nil
}

// ClearInstanceLogs discards id's captured stderr tail.
func (f *Facade) ClearInstanceLogs(id string) (bool, error) {
	if err := f.sup.ClearLogs(id); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// GetBoardContext delegates to the discovery collaborator.
func (f *Facade) GetBoardContext() (string, error) {
	if f.discovery == nil {
		return "", &Error{Code: ErrGeneric, Message: "discovery provider unavailable"}
	}
	ctx, err := f.discovery.GetContext()
	if err != nil {
		return "", &Error{Code: ErrGeneric, Message: err.Error()}
	}
	return encodeRecord(ctx)
}

// GetHdmiStatus delegates to the Event Manager's RX monitor.
func (f *Facade) GetHdmiStatus(ctx context.Context) (string, error) {
	if f.events == nil {
		return "", &Error{Code: ErrGeneric, Message: "event manager unavailable"}
	}
	return encodeRecord(f.events.GetSignalStatus(ctx))
}

// GetPassthroughState delegates to the Event Manager's composite projection.
func (f *Facade) GetPassthroughState() (string, error) {
	if f.events == nil {
		return "", &Error{Code: ErrGeneric, Message: "event manager unavailable"}
	}
	return encodeRecord(f.events.GetPassthroughState())
}

// SetInstanceAutostart delegates to Supervisor.SetAutostart.
func (f *Facade) SetInstanceAutostart(id string, enabled bool, trigger string) (bool, error) {
	if err := f.sup.SetAutostart(id, enabled, instance.TriggerEvent(trigger)); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// GetAutoInstanceConfig returns the controller's config, or the built-in
// defaults if none has been set yet.
func (f *Facade) GetAutoInstanceConfig() (string, error) {
	cfg, ok := f.controller.Config()
	if !ok {
		cfg = instance.DefaultAutoConfig()
	}
	return encodeRecord(cfg)
}

// SetAutoInstanceConfig decodes record and delegates to
// Controller.CreateOrUpdate.
func (f *Facade) SetAutoInstanceConfig(ctx context.Context, record string) (bool, error) {
	var cfg instance.AutoConfig
	if err := json.Unmarshal([]byte(record), &cfg); err != nil {
		return false, &Error{Code: ErrInvalidConfig, Message: err.Error()}
	}
	if _, err := f.controller.CreateOrUpdate(ctx, cfg, nil); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// GetAutoInstancePipelinePreview decodes record and renders its pipeline
// text without creating or touching any instance.
func (f *Facade) GetAutoInstancePipelinePreview(record string) (string, error) {
	var cfg instance.AutoConfig
	if err := json.Unmarshal([]byte(record), &cfg); err != nil {
		return "", &Error{Code: ErrInvalidConfig, Message: err.Error()}
	}
	return f.controller.PreviewPipeline(cfg), nil
}

// DeleteAutoInstance delegates to Controller.Delete.
func (f *Facade) DeleteAutoInstance(ctx context.Context) (bool, error) {
	if err := f.controller.Delete(ctx); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

// ExportInstance delegates to Store.Export.
func (f *Facade) ExportInstance(id string) (string, error) {
	text, ok, err := f.store.Export(id)
	if err != nil {
		return "", mapErr(err)
	}
	if !ok {
		return "", &Error{Code: ErrInstanceNotFound, Message: "instance " + id + " not found"}
	}
	return text, nil
}

// ImportInstance delegates to Store.Import.
func (f *Facade) ImportInstance(text string) (string, error) {
	id, err := f.store.Import(text)
	if err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

// AiGeneratePipeline proxies to the injected generation agent.
func (f *Facade) AiGeneratePipeline(ctx context.Context, prompt string) (string, error) {
	if f.aiGenerate == nil {
		return "", &Error{Code: ErrGeneric, Message: "generation agent not configured"}
	}
	text, err := f.aiGenerate(ctx, prompt)
	if err != nil {
		return "", &Error{Code: ErrGeneric, Message: err.Error()}
	}
	return text, nil
}

// AiFixError proxies to the injected generation agent.
func (f *Facade) AiFixError(ctx context.Context, errText string) (string, error) {
	if f.aiFix == nil {
		return "", &Error{Code: ErrGeneric, Message: "generation agent not configured"}
	}
	text, err := f.aiFix(ctx, errText)
	if err != nil {
		return "", &Error{Code: ErrGeneric, Message: err.Error()}
	}
	return text, nil
}
