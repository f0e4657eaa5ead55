package snapshot

import (
	"bytes"
	"encoding/json"
	"testing"

	"datahub/internal/routing"
	"datahub/internal/sample"
	"datahub/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(ts float64) func() float64 {
	return func() float64 { return ts }
}

func TestSnapshotOfLiveTree(t *testing.T) {
	tr := tree.New(fixedClock(1))
	eng := routing.New(tr, fixedClock(1))

	_, err := tr.ResolveOrCreate("/a/b", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	_, err = tr.ResolveOrCreate("/a/c", tree.Input, sample.Boolean, "")
	require.NoError(t, err)
	require.NoError(t, eng.Push("/a/b", sample.Numeric, "", sample.CreateNum(5, 42.0)))
	require.NoError(t, eng.Push("/a/c", sample.Boolean, "", sample.CreateBool(5, true)))

	snap := New(tr, fixedClock(10))
	var buf bytes.Buffer
	status, err := snap.Run(Request{
		Root:      "/",
		Since:     0,
		Writer:    &buf,
		Formatter: NewJSONFormatter(false),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, status)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "/", doc["root"])

	upserted := doc["upserted"].(map[string]interface{})
	a := upserted["a"].(map[string]interface{})
	b := a["b"].(map[string]interface{})
	c := a["c"].(map[string]interface{})
	assert.Equal(t, float64(sample.Numeric), b["type"])
	assert.Equal(t, 42.0, b["value"])
	assert.Equal(t, float64(sample.Boolean), c["type"])
	assert.Equal(t, true, c["value"])
	assert.NotContains(t, doc, "deleted")
}

func TestSnapshotDeletionTrackingAndFlush(t *testing.T) {
	tr := tree.New(fixedClock(1))
	tr.SetDeletionTracking(true)

	_, err := tr.ResolveOrCreate("/app/z", tree.Input, sample.Numeric, "")
	require.NoError(t, err)
	require.NoError(t, tr.Delete("/app/z"))

	snap := New(tr, fixedClock(10))

	var buf1 bytes.Buffer
	status, err := snap.Run(Request{Root: "/", Since: 0, Writer: &buf1, Formatter: NewJSONFormatter(true)})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, status)
	var doc1 map[string]interface{}
	require.NoError(t, json.Unmarshal(buf1.Bytes(), &doc1))
	deleted1 := doc1["deleted"].(map[string]interface{})
	app1 := deleted1["app"].(map[string]interface{})
	assert.Contains(t, app1, "z")

	var buf2 bytes.Buffer
	status, err = snap.Run(Request{Root: "/", Since: 0, Writer: &buf2, Formatter: NewJSONFormatter(true)})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, status)
	var doc2 map[string]interface{}
	require.NoError(t, json.Unmarshal(buf2.Bytes(), &doc2))
	deleted2 := doc2["deleted"].(map[string]interface{})
	app2 := deleted2["app"].(map[string]interface{})
	assert.Contains(t, app2, "z")

	var buf3 bytes.Buffer
	status, err = snap.Run(Request{Root: "/", Since: 0, Writer: &buf3, Formatter: NewJSONFormatter(true), FlushDeletions: true})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, status)

	var buf4 bytes.Buffer
	status, err = snap.Run(Request{Root: "/", Since: 0, Writer: &buf4, Formatter: NewJSONFormatter(true)})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, status)
	var doc4 map[string]interface{}
	require.NoError(t, json.Unmarshal(buf4.Bytes(), &doc4))
	assert.NotContains(t, doc4, "deleted")
}

// perpetualScanFormatter always requests another pass, exercising the
// pass-limit invariant (testable property 6): exactly 10 passes, then
// OutOfRange.
type perpetualScanFormatter struct {
	passes int
}

func (f *perpetualScanFormatter) Encode(pass Pass) ([]byte, error) {
	f.passes++
	return nil, nil
}

func (f *perpetualScanFormatter) NextPass(prev Pass) (bool, FilterMask) {
	return true, FilterCreated | FilterNormal
}

func (f *perpetualScanFormatter) Close() {}

func TestSnapshotPassLimitEnforcedAtExactlyTen(t *testing.T) {
	tr := tree.New(fixedClock(1))
	_, err := tr.ResolveOrCreate("/a", tree.Input, sample.Numeric, "")
	require.NoError(t, err)

	snap := New(tr, fixedClock(1))
	f := &perpetualScanFormatter{}
	var buf bytes.Buffer
	status, err := snap.Run(Request{Root: "/", Since: 0, Writer: &buf, Formatter: f})
	require.Error(t, err)
	assert.Equal(t, StatusOutOfRange, status)
	assert.Equal(t, MaxPasses, f.passes)
}

func TestSnapshotConsistentDuringActiveRun(t *testing.T) {
	tr := tree.New(fixedClock(1))
	_, err := tr.ResolveOrCreate("/a/b", tree.Input, sample.Numeric, "")
	require.NoError(t, err)

	tr.Pause()
	_, err = tr.ResolveOrCreate("/a/c", tree.Input, sample.Numeric, "")
	assert.Error(t, err, "structural mutation must be rejected while a snapshot holds the tree paused")
	tr.Resume()

	_, err = tr.ResolveOrCreate("/a/c", tree.Input, sample.Numeric, "")
	assert.NoError(t, err, "structural mutation must succeed again once resumed")
}
