package routing

import (
	"testing"

	"datahub/internal/sample"
	"datahub/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ts float64) func() float64 {
	return func() float64 { return ts }
}

func TestSimpleRelay(t *testing.T) {
	tr := tree.New(fixedClock(1))
	eng := New(tr, fixedClock(1))

	_, err := tr.ResolveOrCreate("/app/s/counter/value", tree.Input, sample.Numeric, "count")
	require.NoError(t, err)
	_, err = tr.ResolveOrCreate("/obs/sink", tree.Output, sample.Numeric, "count")
	require.NoError(t, err)

	require.NoError(t, eng.SetSource("/obs/sink", "/app/s/counter/value"))

	var got []sample.Sample
	_, err = eng.AddPushHandler("/obs/sink", sample.Numeric, func(s sample.Sample) {
		got = append(got, s)
	})
	require.NoError(t, err)

	require.NoError(t, eng.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(10, 1.0)))
	require.NoError(t, eng.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(11, 2.0)))
	require.NoError(t, eng.Push("/app/s/counter/value", sample.Numeric, "count", sample.CreateNum(12, 3.0)))

	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got[0].Num)
	assert.Equal(t, 10.0, got[0].Timestamp)
	assert.Equal(t, 3.0, got[2].Num)
	assert.Equal(t, 12.0, got[2].Timestamp)
}

func TestCycleRefusal(t *testing.T) {
	tr := tree.New(fixedClock(1))
	eng := New(tr, fixedClock(1))

	_, err := tr.ResolveOrCreate("/a", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	_, err = tr.ResolveOrCreate("/b", tree.Input, sample.Numeric, "")
	require.NoError(t, err)

	require.NoError(t, eng.SetSource("/a", "/b"))

	err = eng.SetSource("/b", "/a")
	require.Error(t, err)
}

func TestUnitsGateDropsMismatch(t *testing.T) {
	tr := tree.New(fixedClock(1))
	eng := New(tr, fixedClock(1))

	_, err := tr.ResolveOrCreate("/in", tree.Input, sample.Numeric, "count")
	require.NoError(t, err)

	var called bool
	_, err = eng.AddPushHandler("/in", sample.Numeric, func(s sample.Sample) { called = true })
	require.NoError(t, err)

	require.NoError(t, eng.Push("/in", sample.Numeric, "bogus-unit", sample.CreateNum(1, 5)))
	assert.False(t, called)
}

func TestMinPeriodFilter(t *testing.T) {
	tr := tree.New(fixedClock(1))
	eng := New(tr, fixedClock(1))

	entry, err := tr.ResolveOrCreate("/obs", tree.Observation, sample.Numeric, "")
	require.NoError(t, err)
	entry.Resource.Obs.MinPeriod = 5

	var values []float64
	_, err = eng.AddPushHandler("/obs", sample.Numeric, func(s sample.Sample) { values = append(values, s.Num) })
	require.NoError(t, err)

	require.NoError(t, eng.Push("/obs", sample.Numeric, "", sample.CreateNum(10, 1)))
	require.NoError(t, eng.Push("/obs", sample.Numeric, "", sample.CreateNum(12, 2))) // too soon, dropped
	require.NoError(t, eng.Push("/obs", sample.Numeric, "", sample.CreateNum(16, 3))) // 6s later, accepted

	require.Len(t, values, 2)
	assert.Equal(t, 1.0, values[0])
	assert.Equal(t, 3.0, values[1])
}
