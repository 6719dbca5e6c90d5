package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"HaksaPresence/service/presence"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	content   string
	onChange  func(namespace, group, dataId, data string)
	cancelled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, nil }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.onChange = p.OnChange
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) push(data string) {
	f.mu.Lock()
	cb := f.onChange
	f.mu.Unlock()
	cb("", "g", "d", data)
}

func (f *fakeSource) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type sink struct {
	mu sync.Mutex
	t  presence.Tuning
}

func (s *sink) Tuning() presence.Tuning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

func (s *sink) SetTuning(t presence.Tuning) {
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
}

func TestParseTuning(t *testing.T) {
	cur := presence.Tuning{MaxRadiusMeters: 5000, StalenessWindow: 90 * time.Second, DriftMeters: 100}

	next, err := ParseTuning("presence:\n  max_radius_m: 3000\n  staleness_window: 45s\n", cur)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, next.MaxRadiusMeters)
	assert.Equal(t, 45*time.Second, next.StalenessWindow)
	assert.Equal(t, 100.0, next.DriftMeters)

	next, err = ParseTuning("drift_m: 250\nunrelated: true\n", cur)
	require.NoError(t, err)
	assert.Equal(t, 250.0, next.DriftMeters)
	assert.Equal(t, 5000.0, next.MaxRadiusMeters)

	_, err = ParseTuning("max_radius_m: [oops", cur)
	assert.Error(t, err)

	_, err = ParseTuning("staleness_window: soon", cur)
	assert.Error(t, err)
}

func TestStartTuningWatcherAppliesUpdates(t *testing.T) {
	src := &fakeSource{content: "presence:\n  max_radius_m: 2000\n"}
	s := &sink{t: presence.Tuning{MaxRadiusMeters: 5000, DriftMeters: 100}}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, StartTuningWatcher(ctx, src, "presence-tuning.yaml", "DEFAULT_GROUP", s))
	assert.Equal(t, 2000.0, s.Tuning().MaxRadiusMeters)

	src.push("presence:\n  drift_m: 50\n")
	assert.Equal(t, 50.0, s.Tuning().DriftMeters)
	assert.Equal(t, 2000.0, s.Tuning().MaxRadiusMeters)

	// a broken update keeps the last good values
	src.push("presence: [")
	assert.Equal(t, 50.0, s.Tuning().DriftMeters)

	cancel()
	assert.Eventually(t, src.isCancelled, time.Second, 5*time.Millisecond)
}

func TestWatcherDrivesRegistry(t *testing.T) {
	reg := presence.NewRegistry(presence.Conf{NodeID: "n"})
	defer reg.Close()
	src := &fakeSource{content: "max_radius_m: 1500\ndefault_radius_m: 800\n"}

	require.NoError(t, StartTuningWatcher(context.Background(), src, "d", "g", reg))
	assert.Equal(t, 1500.0, reg.Tuning().MaxRadiusMeters)
	assert.Equal(t, 800.0, reg.Tuning().DefaultRadiusMeters)
}
