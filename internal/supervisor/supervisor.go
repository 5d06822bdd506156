// SPDX-License-Identifier: MIT

// Package supervisor implements the Instance Supervisor of SPEC_FULL.md
// §4.2: the in-memory instance table, child process spawn/monitor/reap,
// per-instance retry policy, and status-change fan-out.
//
// The spawn/monitor/stop idiom (state field, context-scoped child,
// SIGINT-then-timeout-kill, captured stderr tail) is generalized from the
// teacher's internal/stream.Manager, which supervised exactly one ffmpeg
// invocation, to N independently keyed instances. Process-tree lifetime is
// handed to a github.com/thejerf/suture/v4 supervisor tree: suture owns
// "don't let this goroutine vanish silently" (panic recovery, structured
// logging of crashes) while the classifier in classify.go owns the domain
// decision of whether a given exit is worth retrying. Every childService
// signals suture not to apply its own restart policy (suture.ErrDoNotRestart)
// because the retry loop in child.go already re-invokes spawnAndSupervise
// itself.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/store"
)

// StatusListener is invoked for every state transition with the instance id
// and its new status. Listeners may be asynchronous; the Supervisor invokes
// them from a single worker so that, per instance, the observed order
// matches the internal transition order (SPEC_FULL.md §5).
type StatusListener func(id string, status instance.Status)

// DefaultLauncher is the media-framework launcher binary prefixed onto
// every tokenized pipeline (SPEC_FULL.md §4.2, "prefixes the media-framework
// launcher command").
const DefaultLauncher = "gst-launch-1.0"

const (
	maxErrorLogLines  = 100
	defaultStopGrace  = 10 * time.Second
	listenerQueueSize = 256
)

// Supervisor owns the in-memory instance table and every running child.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*instance.Instance
	children  map[string]*childHandle

	store     *store.Store
	logger    *slog.Logger
	launcher  string
	stopGrace time.Duration

	tree       *suture.Supervisor
	treeCancel context.CancelFunc

	listenersMu sync.Mutex
	listeners   []StatusListener
	listenerQ   chan listenerEvent
	listenerWG  sync.WaitGroup
}

type listenerEvent struct {
	id     string
	status instance.Status
}

type childHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	token  suture.ServiceToken
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option     { return func(s *Supervisor) { s.logger = l } }
func WithLauncher(bin string) Option       { return func(s *Supervisor) { s.launcher = bin } }
func WithStopGrace(d time.Duration) Option { return func(s *Supervisor) { s.stopGrace = d } }

// New creates a Supervisor backed by st, loading its persisted instance
// table via LoadAll.
func New(st *store.Store, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		instances: make(map[string]*instance.Instance),
		children:  make(map[string]*childHandle),
		store:     st,
		logger:    slog.Default(),
		launcher:  DefaultLauncher,
		stopGrace: defaultStopGrace,
		listenerQ: make(chan listenerEvent, listenerQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	treeCtx, cancel := context.WithCancel(context.Background())
	s.treeCancel = cancel
	s.tree = suture.New("capturemgrd-instances", suture.Spec{})
	go func() { _ = s.tree.Serve(treeCtx) }()

	s.listenerWG.Add(1)
	go s.runListenerQueue()

	loaded, err := st.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, inst := range loaded {
		s.instances[inst.ID] = inst
	}
	return s, nil
}

// Close stops the suture tree and the listener worker. Running children are
// NOT stopped; callers should StopAll first.
func (s *Supervisor) Close() {
	s.treeCancel()
	close(s.listenerQ)
	s.listenerWG.Wait()
}

func (s *Supervisor) runListenerQueue() {
	defer s.listenerWG.Done()
	for ev := range s.listenerQ {
		s.listenersMu.Lock()
		listeners := append([]StatusListener(nil), s.listeners...)
		s.listenersMu.Unlock()
		for _, l := range listeners {
			l(ev.id, ev.status)
		}
	}
}

// RegisterStatusListener adds a listener invoked for every transition.
func (s *Supervisor) RegisterStatusListener(l StatusListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Supervisor) emit(id string, status instance.Status) {
	select {
	case s.listenerQ <- listenerEvent{id: id, status: status}:
	default:
		s.logger.Warn("status listener queue full, dropping event", "id", id, "status", status)
	}
}

// Create allocates an id, persists, and returns it.
func (s *Supervisor) Create(name, pipeline string) (string, error) {
	id, err := store.NewInstanceID()
	if err != nil {
		return "", instance.IOFailure("generate instance id", err)
	}
	now := time.Now().UTC()
	inst := &instance.Instance{
		ID:           id,
		Name:         name,
		Pipeline:     pipeline,
		Status:       instance.StatusStopped,
		CreatedAt:    now,
		ModifiedAt:   now,
		InstanceType: instance.TypeManual,
		Recovery:     instance.RecoveryPolicy{MaxRetries: 0},
	}

	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	if err := s.store.Save(inst); err != nil {
		return "", err
	}
	return id, nil
}

// CreateManaged is used by the auto-instance controller: it supplies the
// full Instance record (type=auto, embedded AutoConfig, trigger_event,
// autostart) rather than building one from bare name+pipeline.
func (s *Supervisor) CreateManaged(inst *instance.Instance) error {
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()
	return s.store.Save(inst)
}

func (s *Supervisor) get(id string) (*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	return inst, nil
}

// Delete removes id from the table and the Store. Forbidden while running.
func (s *Supervisor) Delete(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	if inst.Status == instance.StatusRunning {
		s.mu.Unlock()
		return instance.IllegalState("cannot delete a running instance")
	}
	delete(s.instances, id)
	s.mu.Unlock()

	return s.store.Delete(id)
}

// UpdatePipeline updates pipeline text. Forbidden while running.
func (s *Supervisor) UpdatePipeline(id, pipeline string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	if inst.Status == instance.StatusRunning {
		s.mu.Unlock()
		return instance.IllegalState("cannot update pipeline of a running instance")
	}
	inst.Pipeline = pipeline
	inst.ModifiedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.store.Save(inst)
}

// SetAutostart sets the autostart/trigger_event fields and persists.
func (s *Supervisor) SetAutostart(id string, enabled bool, trigger instance.TriggerEvent) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	inst.Autostart = enabled
	inst.TriggerEvent = trigger
	inst.ModifiedAt = time.Now().UTC()
	s.mu.Unlock()

	return s.store.Save(inst)
}

// setStatus transitions inst.Status under lock and emits the listener
// event; the caller must not hold s.mu.
func (s *Supervisor) setStatus(id string, status instance.Status) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if ok {
		inst.Status = status
	}
	s.mu.Unlock()
	if ok {
		s.emit(id, status)
	}
}

// Start transitions stopped|error -> starting -> running, spawning the
// tokenized pipeline behind the configured launcher.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	if inst.Status == instance.StatusRunning || inst.Status == instance.StatusStarting {
		s.mu.Unlock()
		return instance.IllegalState("instance already running")
	}
	if _, hasChild := s.children[id]; hasChild {
		s.mu.Unlock()
		return instance.IllegalState("instance already has an active child")
	}
	pipeline := inst.Pipeline
	s.mu.Unlock()

	// Open Question (c): reject shell metacharacters a portable splitter
	// can't represent, rather than silently mis-tokenizing.
	args, err := shlex.Split(pipeline)
	if err != nil {
		return instance.InvalidInput("cannot tokenize pipeline: " + err.Error())
	}
	if len(args) == 0 {
		return instance.InvalidInput("empty pipeline")
	}

	s.setStatus(id, instance.StatusStarting)
	return s.spawnAndSupervise(ctx, id, args)
}

// spawnAndSupervise starts the child and registers its reaper as a suture
// service so a panic in the reaper goroutine is recovered and logged rather
// than taking down the daemon.
func (s *Supervisor) spawnAndSupervise(ctx context.Context, id string, args []string) error {
	childCtx, cancel := context.WithCancel(ctx)

	fullArgs := append([]string{"-e"}, args...)
	cmd := exec.CommandContext(childCtx, s.launcher, fullArgs...)

	stderr, err := newRingBufferedStderr(cmd, maxErrorLogLines, s.logger)
	if err != nil {
		cancel()
		s.setStatus(id, instance.StatusError)
		return instance.IOFailure("attach stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		s.setStatus(id, instance.StatusError)
		return instance.ChildFailure("failed to start launcher: " + err.Error())
	}

	s.mu.Lock()
	inst := s.instances[id]
	inst.PID = cmd.Process.Pid
	inst.UptimeStart = time.Now().UTC()
	inst.ErrorMessage = ""
	s.children[id] = &childHandle{cmd: cmd, cancel: cancel}
	s.mu.Unlock()

	s.setStatus(id, instance.StatusRunning)

	svc := &childService{sup: s, id: id, cmd: cmd, stderr: stderr, args: args}
	token := s.tree.Add(svc)
	s.mu.Lock()
	if h, ok := s.children[id]; ok {
		h.token = token
	}
	s.mu.Unlock()

	return nil
}

// Stop transitions running -> stopping, sends SIGINT, awaits exit up to the
// configured grace window, then force-kills.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	if inst.Status != instance.StatusRunning {
		s.mu.Unlock()
		return instance.IllegalState("instance is not running")
	}
	h, hasChild := s.children[id]
	s.mu.Unlock()

	if !hasChild {
		s.setStatus(id, instance.StatusStopped)
		return nil
	}

	s.setStatus(id, instance.StatusStopping)

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(interruptSignal())
	}

	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.stopGrace):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		h.cancel()
		<-done
	case <-ctx.Done():
		h.cancel()
		<-done
	}

	s.finishChild(id)
	s.setStatus(id, instance.StatusStopped)
	return nil
}

// finishChild clears bookkeeping for a child that has exited, either via
// Stop or via the reaper.
func (s *Supervisor) finishChild(id string) {
	s.mu.Lock()
	if h, ok := s.children[id]; ok {
		delete(s.children, id)
		h.cancel()
	}
	if inst, ok := s.instances[id]; ok {
		inst.PID = 0
	}
	s.mu.Unlock()
}

// StopAll stops every currently running instance.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	var running []string
	for id, inst := range s.instances {
		if inst.Status == instance.StatusRunning {
			running = append(running, id)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range running {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Warn("error stopping instance during StopAll", "id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// InstanceStatus is the shape returned by Status.
type InstanceStatus struct {
	Status          instance.Status
	PID             int
	UptimeSeconds   float64
	Recording       bool
	RecordingConfig instance.RecordingPolicy
	Error           string
	RetryCount      int
	HasLogs         bool
}

// Status returns a snapshot of id's runtime state.
func (s *Supervisor) Status(id string) (InstanceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return InstanceStatus{}, instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	var uptime float64
	if !inst.UptimeStart.IsZero() && inst.Status == instance.StatusRunning {
		uptime = time.Since(inst.UptimeStart).Seconds()
	}
	return InstanceStatus{
		Status:          inst.Status,
		PID:             inst.PID,
		UptimeSeconds:   uptime,
		Recording:       inst.Recording.Enabled,
		RecordingConfig: inst.Recording,
		Error:           inst.ErrorMessage,
		RetryCount:      inst.RetryCount,
		HasLogs:         len(inst.ErrorLogs) > 0,
	}, nil
}

// List returns a snapshot of the whole in-memory table.
func (s *Supervisor) List() []*instance.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// GetLogs returns up to n of the most recent error log lines for id.
func (s *Supervisor) GetLogs(id string, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	logs := inst.ErrorLogs
	if n > 0 && n < len(logs) {
		logs = logs[len(logs)-n:]
	}
	out := make([]string, len(logs))
	copy(out, logs)
	return out, nil
}

// ClearLogs discards id's captured stderr tail.
func (s *Supervisor) ClearLogs(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return instance.NotFound(fmt.Sprintf("instance %q not found", id))
	}
	inst.ErrorLogs = nil
	return nil
}
