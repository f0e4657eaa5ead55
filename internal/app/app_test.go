package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"datahub/internal/sample"
	"datahub/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "datahub.yaml")
	yaml := fmt.Sprintf(`
logging:
  level: error
observation:
  base_dir: %s
persistence:
  directory: %s
reload:
  enabled: false
`, filepath.Join(dir, "backup"), filepath.Join(dir, "persistence"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	h, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

// TestScenarioSimpleRelay exercises spec.md §8 scenario 1.
func TestScenarioSimpleRelay(t *testing.T) {
	h := newTestHub(t)

	_, err := h.Tree.ResolveOrCreate("/app/s/counter/value", tree.Input, sample.Numeric, "count")
	require.NoError(t, err)
	_, err = h.Tree.ResolveOrCreate("/obs/sink", tree.Output, sample.Numeric, "count")
	require.NoError(t, err)
	require.NoError(t, h.Router.SetSource("/obs/sink", "/app/s/counter/value"))

	type observed struct {
		ts, v float64
	}
	var received []observed
	_, err = h.Router.AddPushHandler("/obs/sink", sample.Numeric, func(s sample.Sample) {
		received = append(received, observed{s.Timestamp, s.Num})
	})
	require.NoError(t, err)

	require.NoError(t, h.Router.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(10.0, 1.0)))
	require.NoError(t, h.Router.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(11.0, 2.0)))
	require.NoError(t, h.Router.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(12.0, 3.0)))

	require.Len(t, received, 3)
	assert.Equal(t, observed{10.0, 1.0}, received[0])
	assert.Equal(t, observed{11.0, 2.0}, received[1])
	assert.Equal(t, observed{12.0, 3.0}, received[2])
}

// TestScenarioCycleRefusal exercises spec.md §8 scenario 2.
func TestScenarioCycleRefusal(t *testing.T) {
	h := newTestHub(t)

	_, err := h.Tree.ResolveOrCreate("/a", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	_, err = h.Tree.ResolveOrCreate("/b", tree.Input, sample.Numeric, "")
	require.NoError(t, err)

	require.NoError(t, h.Router.SetSource("/a", "/b"))
	err = h.Router.SetSource("/b", "/a")
	assert.Error(t, err)
}

// TestScenarioObservationThrottling exercises spec.md §8 scenario 3.
func TestScenarioObservationThrottling(t *testing.T) {
	h := newTestHub(t)

	entry, err := h.Tree.ResolveOrCreate("/obs/t", tree.Observation, sample.Numeric, "")
	require.NoError(t, err)
	r := h.Tree.Resource(entry.ID)
	require.NotNil(t, r)
	r.Obs.MinPeriod = 1.0
	r.Obs.ChangeBy = 0.5
	r.Obs.LowLimit = nan()
	r.Obs.HighLimit = nan()

	var accepted []float64
	_, err = h.Router.AddPushHandler("/obs/t", sample.Numeric, func(s sample.Sample) {
		accepted = append(accepted, s.Num)
	})
	require.NoError(t, err)

	require.NoError(t, h.Router.Push("/obs/t", sample.Numeric, "", sample.CreateNum(0, 10.0)))
	require.NoError(t, h.Router.Push("/obs/t", sample.Numeric, "", sample.CreateNum(0.5, 11.0)))
	require.NoError(t, h.Router.Push("/obs/t", sample.Numeric, "", sample.CreateNum(1.5, 11.2)))
	require.NoError(t, h.Router.Push("/obs/t", sample.Numeric, "", sample.CreateNum(2.6, 11.8)))

	assert.Equal(t, []float64{10.0, 11.8}, accepted)
}

// TestScenarioOverrideWins exercises spec.md §8 scenario 4.
func TestScenarioOverrideWins(t *testing.T) {
	h := newTestHub(t)

	_, err := h.Tree.ResolveOrCreate("/x/y", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	_, err = h.SetAdminSetting("/x/y", true, tree.Setting{Type: sample.Numeric, Value: sample.CreateNum(sample.Now, 42.0), Set: true})
	require.NoError(t, err)

	var got sample.Sample
	_, err = h.Router.AddPushHandler("/x/y", sample.Numeric, func(s sample.Sample) { got = s })
	require.NoError(t, err)

	require.NoError(t, h.Router.Push("/x/y", sample.Numeric, "", sample.CreateNum(5.0, 7.0)))
	assert.Equal(t, 5.0, got.Timestamp)
	assert.Equal(t, 42.0, got.Num)
}

// TestAdminSettingsPersistAcrossRestart exercises the persistence store's
// replay path: an override set before a (simulated) restart is still in
// effect on a freshly built Hub pointed at the same directories.
func TestAdminSettingsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "datahub.yaml")
	yaml := fmt.Sprintf(`
logging:
  level: error
observation:
  base_dir: %s
persistence:
  directory: %s
  enabled: true
reload:
  enabled: false
`, filepath.Join(dir, "backup"), filepath.Join(dir, "persistence"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))

	h1, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, h1.Start())
	_, err = h1.Tree.ResolveOrCreate("/x/y", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	_, err = h1.SetAdminSetting("/x/y", true, tree.Setting{Type: sample.Numeric, Value: sample.CreateNum(sample.Now, 99.0), Set: true})
	require.NoError(t, err)
	h1.Stop()

	h2, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, h2.Start())
	t.Cleanup(h2.Stop)

	_, err = h2.Tree.ResolveOrCreate("/x/y", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	entry, ok := h2.Tree.Find("/x/y")
	require.True(t, ok)
	r := h2.Tree.Resource(entry.ID)
	require.NotNil(t, r)
	assert.True(t, r.Override.Set)
	assert.Equal(t, 99.0, r.Override.Value.Num)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
