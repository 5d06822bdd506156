// SPDX-License-Identifier: MIT

package auto

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/retry"
	"github.com/tomtom215/capturemgrd/internal/store"
	"github.com/tomtom215/capturemgrd/internal/supervisor"
)

const autoInstanceName = "Auto HDMI Capture"

// Controller owns the single system-managed auto instance: building its
// pipeline from an AutoConfig, replacing it on every create_or_update per
// the original's "only one auto instance, delete before create" rule, and
// reacting to passthrough readiness signals from the event manager.
type Controller struct {
	sup     *supervisor.Supervisor
	store   *store.Store
	builder PipelineBuilder
	logger  *slog.Logger

	mu         sync.Mutex
	config     instance.AutoConfig
	haveConfig bool
	instanceID string

	startBackoff *retry.Backoff
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// New creates a Controller and loads any persisted AutoConfig/instance
// association; absent a saved config, the controller stays unconfigured
// until CreateOrUpdate is first called (the daemon's own startup wiring
// decides whether to seed it with instance.DefaultAutoConfig()).
func New(sup *supervisor.Supervisor, st *store.Store, opts ...Option) *Controller {
	c := &Controller{
		sup:          sup,
		store:        st,
		logger:       slog.Default(),
		startBackoff: retry.NewBackoff(time.Second, 30*time.Second, 5),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg, ok, err := st.LoadAutoConfig(); err == nil && ok {
		c.config = *cfg
		c.haveConfig = true
	}
	for _, inst := range sup.List() {
		if inst.InstanceType == instance.TypeAuto {
			c.instanceID = inst.ID
			break
		}
	}
	return c
}

// PreviewPipeline renders cfg's pipeline without creating or touching any
// instance.
func (c *Controller) PreviewPipeline(cfg instance.AutoConfig) string {
	return c.builder.BuildPreview(cfg)
}

// CreateOrUpdate replaces the current auto instance (if any) with one built
// from cfg, optionally seeded with the current TX resolution/framerate.
func (c *Controller) CreateOrUpdate(ctx context.Context, cfg instance.AutoConfig, tx *instance.TxStatus) (string, error) {
	if tx != nil {
		if tx.Width > 0 {
			cfg.Width = tx.Width
		}
		if tx.Height > 0 {
			cfg.Height = tx.Height
		}
		if tx.FPS > 0 {
			cfg.Framerate = tx.FPS
		}
	}

	c.mu.Lock()
	prevID := c.instanceID
	c.mu.Unlock()

	if prevID != "" {
		if st, err := c.sup.Status(prevID); err == nil && st.Status == instance.StatusRunning {
			c.logger.Info("stopping existing auto instance for replacement", "id", prevID)
			if err := c.sup.Stop(ctx, prevID); err != nil {
				c.logger.Warn("failed to stop existing auto instance", "id", prevID, "error", err)
			}
		}
		c.logger.Info("deleting existing auto instance", "id", prevID)
		if err := c.sup.Delete(prevID); err != nil {
			c.logger.Warn("failed to delete existing auto instance", "id", prevID, "error", err)
		}
	}

	pipeline := c.builder.Build(cfg)
	id, err := store.NewInstanceID()
	if err != nil {
		return "", instance.IOFailure("generate auto instance id", err)
	}

	now := time.Now().UTC()
	cfgCopy := cfg
	inst := &instance.Instance{
		ID:           id,
		Name:         autoInstanceName,
		Pipeline:     pipeline,
		Status:       instance.StatusStopped,
		CreatedAt:    now,
		ModifiedAt:   now,
		InstanceType: instance.TypeAuto,
		AutoConfig:   &cfgCopy,
		Autostart:    cfg.AutostartOnReady,
		TriggerEvent: instance.TriggerHdmiPassthroughReady,
	}
	if err := c.sup.CreateManaged(inst); err != nil {
		return "", err
	}

	if err := c.store.SaveAutoConfig(&cfg); err != nil {
		c.logger.Warn("failed to persist auto config", "error", err)
	}

	c.mu.Lock()
	c.config = cfg
	c.haveConfig = true
	c.instanceID = id
	c.mu.Unlock()

	c.logger.Info("created auto instance", "id", id)
	return id, nil
}

// OnPassthroughReady is the event manager's callback for a composite
// PassthroughState transitioning to can_capture=true: it (re)creates the
// auto instance at the current TX resolution if needed and starts it.
func (c *Controller) OnPassthroughReady(ctx context.Context, tx instance.TxStatus) error {
	c.mu.Lock()
	cfg, haveConfig := c.config, c.haveConfig
	id := c.instanceID
	c.mu.Unlock()

	if !haveConfig {
		c.logger.Debug("no auto instance config, skipping passthrough ready")
		return nil
	}
	if !cfg.AutostartOnReady {
		c.logger.Debug("auto instance autostart disabled")
		return nil
	}

	needsCreate := id == ""
	if !needsCreate {
		st, err := c.sup.Status(id)
		if err != nil || st.Status == instance.StatusStopped {
			needsCreate = true
		}
	}
	if needsCreate {
		newID, err := c.CreateOrUpdate(ctx, cfg, &tx)
		if err != nil {
			return err
		}
		id = newID
	}

	return c.startWithBackoff(ctx, id)
}

// startWithBackoff retries a failing Supervisor.Start against startBackoff's
// doubling delay, bounded by its max-attempts limit, the way the teacher's
// stream.Backoff bounds ffmpeg respawns after a failed launch.
func (c *Controller) startWithBackoff(ctx context.Context, id string) error {
	c.startBackoff.Reset()
	for {
		err := c.sup.Start(ctx, id)
		if err == nil {
			c.startBackoff.Reset()
			c.logger.Info("auto-started instance", "id", id)
			return nil
		}

		c.startBackoff.RecordFailure()
		if c.startBackoff.ShouldStop() {
			c.logger.Error("exhausted start retries for auto instance", "id", id, "error", err)
			return err
		}

		delay := c.startBackoff.CurrentDelay()
		c.logger.Warn("failed to start auto instance, retrying", "id", id, "error", err, "delay", delay)
		if waitErr := c.startBackoff.WaitContext(ctx); waitErr != nil {
			return waitErr
		}
	}
}

// OnPassthroughLost stops the auto instance, if running, without deleting
// it — the next OnPassthroughReady finds it stopped and recreates it from
// the current config and TX resolution before starting it.
func (c *Controller) OnPassthroughLost(ctx context.Context) error {
	c.mu.Lock()
	id := c.instanceID
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	st, err := c.sup.Status(id)
	if err != nil || st.Status != instance.StatusRunning {
		return nil
	}
	if err := c.sup.Stop(ctx, id); err != nil {
		c.logger.Error("failed to auto-stop instance", "id", id, "error", err)
		return err
	}
	c.logger.Info("auto-stopped instance due to passthrough loss", "id", id)
	return nil
}

// Delete removes the auto instance and its persisted config entirely.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	id := c.instanceID
	c.mu.Unlock()

	if id != "" {
		if st, err := c.sup.Status(id); err == nil && st.Status == instance.StatusRunning {
			_ = c.sup.Stop(ctx, id)
		}
		if err := c.sup.Delete(id); err != nil {
			c.logger.Error("error deleting auto instance", "id", id, "error", err)
		}
	}

	if err := c.store.DeleteAutoConfig(); err != nil {
		c.logger.Error("error removing auto config", "error", err)
	}

	c.mu.Lock()
	c.instanceID = ""
	c.haveConfig = false
	c.config = instance.AutoConfig{}
	c.mu.Unlock()

	return nil
}

// Config returns the current auto-instance configuration, if any.
func (c *Controller) Config() (instance.AutoConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config, c.haveConfig
}

// InstanceID returns the auto instance's id, or "" if none exists.
func (c *Controller) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}
