// Package retrain keeps the similarity index fresh. It trains a replacement
// index in the background and publishes it with a single atomic flip, so
// ranking requests never see a partially trained model.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/jobs"
	"github.com/onnwee/dishmatch/internal/similarity"
)

// Defaults for Config.
const (
	DefaultInterval     = 15 * time.Minute
	DefaultTimeout      = 2 * time.Minute
	DefaultActiveWindow = 7 * 24 * time.Hour
)

// Slot names one of the two index slots.
type Slot uint32

const (
	Primary Slot = iota
	Secondary
)

func (s Slot) String() string {
	if s == Secondary {
		return "secondary"
	}
	return "primary"
}

func (s Slot) other() Slot {
	return 1 - s
}

// Inventory lists the currently available dishes.
type Inventory interface {
	Eligible(ctx context.Context, c eligibility.Constraints) ([]dish.Dish, error)
}

// SettingsSource reads operator settings.
type SettingsSource interface {
	Setting(ctx context.Context, key string) (dish.Setting, error)
}

// Describer supplies reference text for a dish title, or "" when unknown.
type Describer interface {
	Describe(ctx context.Context, title string) (string, error)
}

// JobMetrics records background job runs; *jobs.Metrics implements it.
type JobMetrics interface {
	Finish(jobType string, started time.Time, err error)
	Skip(jobType string)
}

// Config configures the Coordinator.
type Config struct {
	// Interval is the duration between scheduled cycles.
	Interval time.Duration
	// Timeout bounds a single cycle.
	Timeout time.Duration
	// ActiveWindow selects whose preference signals are used for training:
	// accounts that logged in within this window.
	ActiveWindow time.Duration
	// IndexOptions tunes each trained index.
	IndexOptions similarity.Options
	// DisableAutoRetrain starts with scheduled cycles switched off.
	DisableAutoRetrain bool
	// Settings, when set, is polled each tick for the auto-retrain switch.
	Settings SettingsSource
	// Describer, when set, fills in documents that carry no description.
	// Lookup failures leave the document as it is.
	Describer Describer

	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics JobMetrics
	Now        func() time.Time
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running     bool      `json:"running"`
	AutoRetrain bool      `json:"auto_retrain"`
	Degraded    bool      `json:"degraded"`
	ActiveSlot  string    `json:"active_slot"`
	Documents   int       `json:"documents"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Coordinator owns two index slots and a one-bit selector naming the active
// one. Readers load the selector and the slot without locking; only training
// cycles, which are serialised, write either.
type Coordinator struct {
	config    Config
	inventory Inventory
	prefs     dish.PreferenceStore

	slots       [2]atomic.Pointer[similarity.Index]
	active      atomic.Uint32
	degraded    atomic.Bool
	autoRetrain atomic.Bool
	lastSuccess atomic.Int64
	lastError   atomic.Pointer[string]

	trainMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCoordinator creates a coordinator whose slots both hold empty, untrained
// indexes until the first cycle succeeds.
func NewCoordinator(config Config, inventory Inventory, prefs dish.PreferenceStore) *Coordinator {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.ActiveWindow <= 0 {
		config.ActiveWindow = DefaultActiveWindow
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Coordinator{
		config:    config,
		inventory: inventory,
		prefs:     prefs,
	}
	c.slots[Primary].Store(similarity.New(config.IndexOptions))
	c.slots[Secondary].Store(similarity.New(config.IndexOptions))
	c.autoRetrain.Store(!config.DisableAutoRetrain)
	return c
}

// Active returns the index currently serving queries. It never returns nil.
func (c *Coordinator) Active() *similarity.Index {
	return c.slots[c.active.Load()].Load()
}

// ActiveSlot returns which slot is serving.
func (c *Coordinator) ActiveSlot() Slot {
	return Slot(c.active.Load())
}

// Degraded reports whether the last cycle failed, leaving an older index in
// service.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// SetAutoRetrain switches scheduled cycles on or off. RetrainNow is not
// affected.
func (c *Coordinator) SetAutoRetrain(enabled bool) {
	if c.autoRetrain.Swap(enabled) != enabled {
		c.config.Logger.Info("auto retrain switched", slog.Bool("enabled", enabled))
	}
}

// AutoRetrainEnabled reports whether scheduled cycles run.
func (c *Coordinator) AutoRetrainEnabled() bool {
	return c.autoRetrain.Load()
}

// Status returns a snapshot for operators.
func (c *Coordinator) Status() Status {
	s := Status{
		Running:     c.IsRunning(),
		AutoRetrain: c.AutoRetrainEnabled(),
		Degraded:    c.Degraded(),
		ActiveSlot:  c.ActiveSlot().String(),
		Documents:   c.Active().Len(),
	}
	if ns := c.lastSuccess.Load(); ns != 0 {
		s.LastSuccess = time.Unix(0, ns)
	}
	if msg := c.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

// Start trains once immediately and then on every Interval tick.
// Returns immediately; the work runs in a background goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.run(runCtx, cancel, stopCh, doneCh)
	return nil
}

// Stop signals the coordinator to stop, cancels any cycle in flight and
// waits for the loop to exit. Only the first of concurrent callers waits.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stopCh, doneCh, cancel := c.stopCh, c.doneCh, c.cancel
	c.running = false
	c.stopCh, c.cancel = nil, nil
	c.mu.Unlock()

	close(stopCh)
	cancel()
	<-doneCh
}

// IsRunning returns whether the loop is running.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, stopCh, doneCh chan struct{}) {
	defer func() {
		cancel()
		// A loop that ends on its own, through the Start context, must not
		// block the next Start.
		c.mu.Lock()
		if c.doneCh == doneCh {
			c.running = false
			c.stopCh, c.cancel = nil, nil
		}
		c.mu.Unlock()
		close(doneCh)
	}()

	_ = c.cycle(ctx, "startup")

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.config.Logger.Info("similarity retrain loop stopping due to context cancellation")
			return
		case <-stopCh:
			c.config.Logger.Info("similarity retrain loop stopping due to stop signal")
			return
		case <-ticker.C:
			c.syncSettings(ctx)
			if !c.AutoRetrainEnabled() {
				c.config.Logger.Debug("scheduled retrain skipped, auto retrain disabled")
				if c.config.JobMetrics != nil {
					c.config.JobMetrics.Skip(jobs.JobTypeSimilarityRetrain)
				}
				continue
			}
			_ = c.cycle(ctx, "schedule")
		}
	}
}

// RetrainNow runs a cycle immediately, regardless of the auto-retrain
// switch, and returns its error.
func (c *Coordinator) RetrainNow(ctx context.Context) error {
	return c.cycle(ctx, "manual")
}

// syncSettings applies the operator's auto-retrain setting when one exists.
func (c *Coordinator) syncSettings(ctx context.Context) {
	if c.config.Settings == nil {
		return
	}
	start := time.Now()
	st, err := c.config.Settings.Setting(ctx, dish.SettingAutoRetrain)
	if errors.Is(err, dish.ErrSettingNotFound) {
		if c.config.JobMetrics != nil {
			c.config.JobMetrics.Skip(jobs.JobTypeSettingsSync)
		}
		return
	}
	if c.config.JobMetrics != nil {
		c.config.JobMetrics.Finish(jobs.JobTypeSettingsSync, start, err)
	}
	if err != nil {
		c.config.Logger.Warn("failed to read auto retrain setting", "error", err)
		return
	}
	enabled, err := st.Bool()
	if err != nil {
		c.config.Logger.Warn("ignoring malformed auto retrain setting", "error", err)
		return
	}
	c.SetAutoRetrain(enabled)
}

// cycle builds documents, trains the inactive slot and flips the selector.
// On failure the selector is left alone and the coordinator is marked
// degraded until the next success.
func (c *Coordinator) cycle(parent context.Context, trigger string) (err error) {
	c.trainMu.Lock()
	defer c.trainMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, c.config.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		status := jobs.StatusSuccess
		if err != nil {
			status = jobs.StatusFailure
		}
		if c.config.Metrics != nil {
			c.config.Metrics.IncRetrain(status)
			c.config.Metrics.ObserveRetrainDuration(time.Since(start).Seconds())
			c.config.Metrics.SetDegraded(c.Degraded())
		}
		if c.config.JobMetrics != nil {
			c.config.JobMetrics.Finish(jobs.JobTypeSimilarityRetrain, start, err)
		}
	}()

	docs, err := c.documents(ctx)
	if err != nil {
		c.fail(trigger, err)
		return err
	}

	ix := similarity.New(c.config.IndexOptions)
	if err = ix.Train(ctx, docs); err != nil {
		err = fmt.Errorf("failed to train similarity index: %w", err)
		c.fail(trigger, err)
		return err
	}

	next := c.ActiveSlot().other()
	c.slots[next].Store(ix)
	c.active.Store(uint32(next))

	c.degraded.Store(false)
	c.lastError.Store(nil)
	c.lastSuccess.Store(time.Now().UnixNano())
	if c.config.Metrics != nil {
		c.config.Metrics.SetActiveSlot(next)
		c.config.Metrics.SetDocuments(ix.Len())
	}

	c.config.Logger.Info("similarity index retrained",
		"trigger", trigger,
		"slot", next.String(),
		"documents", ix.Len(),
		"duration_seconds", time.Since(start).Seconds())
	return nil
}

func (c *Coordinator) fail(trigger string, err error) {
	c.degraded.Store(true)
	msg := err.Error()
	c.lastError.Store(&msg)
	c.config.Logger.Error("similarity retrain failed, keeping active index",
		"trigger", trigger,
		"slot", c.ActiveSlot().String(),
		"error", err)
}

// documents gathers training input: every available dish, then the signals
// of recently active accounts. Titles are unique; the first occurrence wins.
func (c *Coordinator) documents(ctx context.Context) ([]similarity.Document, error) {
	dishes, err := c.inventory.Eligible(ctx, eligibility.Constraints{})
	if err != nil {
		return nil, fmt.Errorf("failed to list available dishes: %w", err)
	}

	since := c.config.Now().Add(-c.config.ActiveWindow)
	prefs, err := c.prefs.ListActive(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active preferences: %w", err)
	}

	seen := make(map[string]struct{}, len(dishes)+len(prefs))
	docs := make([]similarity.Document, 0, len(dishes)+len(prefs))
	add := func(title, content string) {
		if _, dup := seen[title]; dup {
			return
		}
		seen[title] = struct{}{}
		docs = append(docs, similarity.Document{ID: title, Content: content})
	}
	for _, d := range dishes {
		add(d.Title, d.Description)
	}
	for _, p := range prefs {
		add(p.Title, p.Description)
	}
	c.describe(ctx, docs)
	return docs, nil
}

func (c *Coordinator) describe(ctx context.Context, docs []similarity.Document) {
	if c.config.Describer == nil {
		return
	}
	for i := range docs {
		if docs[i].Content != "" {
			continue
		}
		text, err := c.config.Describer.Describe(ctx, docs[i].ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.config.Logger.Warn("failed to describe dish", "title", docs[i].ID, "error", err)
			continue
		}
		docs[i].Content = text
	}
}
