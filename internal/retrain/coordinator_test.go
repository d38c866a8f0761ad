package retrain

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/dishmatch/internal/dish"
	"github.com/onnwee/dishmatch/internal/eligibility"
	"github.com/onnwee/dishmatch/internal/jobs"
)

type fakeInventory struct {
	mu     sync.Mutex
	dishes []dish.Dish
	err    error
	calls  atomic.Int32
}

func (f *fakeInventory) Eligible(ctx context.Context, _ eligibility.Constraints) ([]dish.Dish, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]dish.Dish(nil), f.dishes...), nil
}

func (f *fakeInventory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeSettings struct {
	mu      sync.Mutex
	setting *dish.Setting
}

func (f *fakeSettings) Setting(_ context.Context, key string) (dish.Setting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setting == nil {
		return dish.Setting{}, dish.ErrSettingNotFound
	}
	return *f.setting, nil
}

func (f *fakeSettings) set(s dish.Setting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setting = &s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noodleDishes() []dish.Dish {
	return []dish.Dish{
		{ID: "1", Title: "Ramen", Description: "Japanese noodle soup with pork broth"},
		{ID: "2", Title: "Udon", Description: "Japanese thick wheat noodle soup"},
		{ID: "3", Title: "Ramen", Description: "chocolate cake"},
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeInventory, *dish.InMemoryStore) {
	t.Helper()
	inv := &fakeInventory{dishes: noodleDishes()}
	store := dish.NewInMemoryStore()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	return NewCoordinator(cfg, inv, store), inv, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoordinator_StartStop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{Interval: time.Hour})

	if c.IsRunning() {
		t.Error("coordinator should not be running before Start")
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.IsRunning() {
		t.Error("coordinator should be running after Start")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() second call error = %v", err)
	}

	c.Stop()
	if c.IsRunning() {
		t.Error("coordinator should not be running after Stop")
	}
	c.Stop()
}

func TestCoordinator_ConcurrentStop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{Interval: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	if c.IsRunning() {
		t.Error("coordinator should not be running after Stop")
	}
}

func TestCoordinator_RestartAfterContextCancel(t *testing.T) {
	c, inv, _ := newTestCoordinator(t, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return inv.calls.Load() >= 1 })
	cancel()
	waitFor(t, func() bool { return !c.IsRunning() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
	defer c.Stop()
	if !c.IsRunning() {
		t.Error("coordinator should be running after restart")
	}
	waitFor(t, func() bool { return inv.calls.Load() >= 2 })
}

func TestCoordinator_TrainsOnStart(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{Interval: time.Hour})

	if c.Active() == nil || c.Active().Trained() {
		t.Fatal("before Start the active index should exist and be untrained")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.Active().Trained() })
	if c.ActiveSlot() != Secondary {
		t.Errorf("ActiveSlot() = %v, want secondary after first cycle", c.ActiveSlot())
	}
}

func TestCoordinator_RetrainNowFlipsSlots(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if c.ActiveSlot() != Primary {
		t.Fatalf("initial ActiveSlot() = %v, want primary", c.ActiveSlot())
	}

	if err := c.RetrainNow(ctx); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	if c.ActiveSlot() != Secondary {
		t.Errorf("ActiveSlot() = %v, want secondary", c.ActiveSlot())
	}
	first := c.Active()

	if err := c.RetrainNow(ctx); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	if c.ActiveSlot() != Primary {
		t.Errorf("ActiveSlot() = %v, want primary", c.ActiveSlot())
	}
	if c.Active() == first {
		t.Error("a new cycle must publish a fresh index")
	}
	if !first.Trained() || first.Len() != 2 {
		t.Error("a replaced index must stay intact for readers still holding it")
	}
}

func TestCoordinator_DocumentsDeduplicateByTitle(t *testing.T) {
	c, _, store := newTestCoordinator(t, Config{})
	ctx := context.Background()

	now := time.Now()
	store.PutProfile(dish.Profile{ID: "alice", LastLoginAt: &now})
	store.AddPreference(dish.Preference{RequesterID: "alice", Title: "Udon", Liked: true, Description: "ignored duplicate"})
	store.AddPreference(dish.Preference{RequesterID: "alice", Title: "Soba", Liked: true, Description: "Japanese buckwheat noodle"})

	docs, err := c.documents(ctx)
	if err != nil {
		t.Fatalf("documents() error = %v", err)
	}
	want := []struct{ id, content string }{
		{"Ramen", "Japanese noodle soup with pork broth"},
		{"Udon", "Japanese thick wheat noodle soup"},
		{"Soba", "Japanese buckwheat noodle"},
	}
	if len(docs) != len(want) {
		t.Fatalf("documents() = %+v", docs)
	}
	for i, w := range want {
		if docs[i].ID != w.id || docs[i].Content != w.content {
			t.Errorf("docs[%d] = %+v, want %s: %s", i, docs[i], w.id, w.content)
		}
	}
}

type fakeDescriber map[string]string

func (f fakeDescriber) Describe(_ context.Context, title string) (string, error) {
	if title == "Broken" {
		return "", errors.New("upstream down")
	}
	return f[title], nil
}

func TestCoordinator_DescriberFillsEmptyContent(t *testing.T) {
	c, inv, _ := newTestCoordinator(t, Config{Describer: fakeDescriber{
		"Soba": "Japanese buckwheat noodle",
		"Udon": "never used",
	}})
	inv.dishes = []dish.Dish{
		{ID: "1", Title: "Udon", Description: "Japanese thick wheat noodle soup"},
		{ID: "2", Title: "Soba"},
		{ID: "3", Title: "Broken"},
	}

	docs, err := c.documents(context.Background())
	if err != nil {
		t.Fatalf("documents() error = %v", err)
	}
	got := map[string]string{}
	for _, d := range docs {
		got[d.ID] = d.Content
	}
	if got["Udon"] != "Japanese thick wheat noodle soup" {
		t.Errorf("existing description replaced: %q", got["Udon"])
	}
	if got["Soba"] != "Japanese buckwheat noodle" {
		t.Errorf("Soba content = %q", got["Soba"])
	}
	if c, ok := got["Broken"]; !ok || c != "" {
		t.Errorf("Broken = %q, %v; want kept with empty content", c, ok)
	}
}

func TestCoordinator_FailureKeepsActiveIndex(t *testing.T) {
	metrics := NewMetrics()
	jobMetrics := jobs.NewMetrics()
	c, inv, _ := newTestCoordinator(t, Config{Metrics: metrics, JobMetrics: jobMetrics})
	ctx := context.Background()

	if err := c.RetrainNow(ctx); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	served := c.Active()
	slot := c.ActiveSlot()

	storeErr := errors.New("store unavailable")
	inv.setErr(storeErr)

	err := c.RetrainNow(ctx)
	if !errors.Is(err, storeErr) {
		t.Fatalf("RetrainNow() error = %v, want %v", err, storeErr)
	}
	if c.ActiveSlot() != slot || c.Active() != served {
		t.Error("failed cycle must not change the active index")
	}
	if !c.Degraded() {
		t.Error("Degraded() = false after failure")
	}
	if st := c.Status(); !st.Degraded || st.LastError == "" {
		t.Errorf("Status() = %+v, want degraded with last error", st)
	}
	if got := gaugeValue(t, metrics.degraded); got != 1 {
		t.Errorf("degraded gauge = %v, want 1", got)
	}

	inv.setErr(nil)
	if err := c.RetrainNow(ctx); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	if c.Degraded() {
		t.Error("Degraded() = true after recovery")
	}
	if c.Status().LastError != "" {
		t.Error("LastError should clear after recovery")
	}
	if got := counterValue(t, metrics.retrainTotal, jobs.StatusSuccess); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, metrics.retrainTotal, jobs.StatusFailure); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}
}

func TestCoordinator_TimeoutIsTrainingFailure(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	if err := c.RetrainNow(context.Background()); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}
	served := c.Active()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.RetrainNow(ctx); err == nil {
		t.Fatal("RetrainNow() with canceled context should fail")
	}
	if c.Active() != served || !c.Degraded() {
		t.Error("canceled cycle must keep the active index and mark degraded")
	}
}

func TestCoordinator_ReadersNeverSeePartialIndex(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	if err := c.RetrainNow(ctx); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
		bad  atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				ix := c.Active()
				if !ix.Trained() {
					bad.Add(1)
					continue
				}
				got := ix.Nearest("Ramen", 0, 10)
				if len(got) != 1 || got[0].ID != "Udon" {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if err := c.RetrainNow(ctx); err != nil {
			t.Errorf("RetrainNow() error = %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if n := bad.Load(); n != 0 {
		t.Errorf("%d reads observed an untrained or inconsistent index", n)
	}
}

func TestCoordinator_AutoRetrainSwitch(t *testing.T) {
	c, inv, _ := newTestCoordinator(t, Config{Interval: 10 * time.Millisecond, DisableAutoRetrain: true})
	if c.AutoRetrainEnabled() {
		t.Fatal("AutoRetrainEnabled() = true, want false")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return c.Active().Trained() })
	time.Sleep(60 * time.Millisecond)
	if n := inv.calls.Load(); n != 1 {
		t.Errorf("inventory calls = %d with auto retrain off, want only the startup cycle", n)
	}

	// RetrainNow ignores the switch.
	if err := c.RetrainNow(context.Background()); err != nil {
		t.Fatalf("RetrainNow() error = %v", err)
	}

	c.SetAutoRetrain(true)
	waitFor(t, func() bool { return inv.calls.Load() > 3 })
}

func TestCoordinator_SettingsSync(t *testing.T) {
	settings := &fakeSettings{}
	c, _, _ := newTestCoordinator(t, Config{Interval: 10 * time.Millisecond, Settings: settings})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	time.Sleep(30 * time.Millisecond)
	if !c.AutoRetrainEnabled() {
		t.Fatal("missing setting must leave auto retrain enabled")
	}

	settings.set(dish.StringSetting(dish.SettingAutoRetrain, "off"))
	waitFor(t, func() bool { return !c.AutoRetrainEnabled() })

	settings.set(dish.NumberSetting(dish.SettingAutoRetrain, 1))
	waitFor(t, func() bool { return c.AutoRetrainEnabled() })
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("duplicate Register() should fail")
	}
	if len(m.Collectors()) != 5 {
		t.Errorf("Collectors() = %d, want 5", len(m.Collectors()))
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}
