package tree

import (
	"testing"

	"datahub/internal/sample"
	derrors "datahub/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock(ts float64) Clock {
	return func() float64 { return ts }
}

func TestResolveOrCreateIdempotent(t *testing.T) {
	tr := New(testClock(1))

	e1, err := tr.ResolveOrCreate("/app/s/counter/value", Input, sample.Numeric, "count")
	require.NoError(t, err)
	assert.True(t, e1.New)
	assert.Equal(t, "/app/s/counter/value", e1.Path)

	e2, err := tr.ResolveOrCreate("/app/s/counter/value", Input, sample.Numeric, "count")
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)
}

func TestResolveOrCreateShapeMismatchIsDuplicate(t *testing.T) {
	tr := New(testClock(1))

	_, err := tr.ResolveOrCreate("/obs/sink", Output, sample.Numeric, "count")
	require.NoError(t, err)

	_, err = tr.ResolveOrCreate("/obs/sink", Output, sample.String, "count")
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.CodeDuplicate))
}

func TestFindDoesNotCreate(t *testing.T) {
	tr := New(testClock(1))
	_, ok := tr.Find("/nope")
	assert.False(t, ok)
}

func TestDeletePlaceholderSurvivesAdminSettings(t *testing.T) {
	tr := New(testClock(1))

	entry, err := tr.ResolveOrCreate("/io/input/valve", Input, sample.Boolean, "")
	require.NoError(t, err)

	_, err = tr.SetAdminSetting("/io/input/valve", true, Setting{
		Type: sample.Boolean, Value: sample.CreateBool(1, true), Set: true,
	})
	require.NoError(t, err)

	require.NoError(t, tr.Delete("/io/input/valve"))

	after, ok := tr.Find("/io/input/valve")
	require.True(t, ok)
	assert.Equal(t, Placeholder, after.Resource.Variant)
	assert.Equal(t, entry.ID, after.ID)
	assert.True(t, after.Resource.Override.Set)
}

func TestDeleteWithoutAdminSettingsTracksDeletion(t *testing.T) {
	tr := New(testClock(1))

	_, err := tr.ResolveOrCreate("/io/input/valve", Input, sample.Boolean, "")
	require.NoError(t, err)

	require.NoError(t, tr.Delete("/io/input/valve"))

	entry, ok := tr.Find("/io/input/valve")
	require.True(t, ok, "deletion tracking keeps the entry resolvable")
	assert.True(t, entry.Deleted)
	assert.Nil(t, entry.Resource)
}

func TestFlushDeletionsReleasesRetainedEntries(t *testing.T) {
	tr := New(testClock(1))

	_, err := tr.ResolveOrCreate("/io/input/valve", Input, sample.Boolean, "")
	require.NoError(t, err)
	require.NoError(t, tr.Delete("/io/input/valve"))

	tr.FlushDeletions()

	_, ok := tr.Find("/io/input/valve")
	assert.False(t, ok)
}

func TestFirstChildNextSiblingOrder(t *testing.T) {
	tr := New(testClock(1))

	_, err := tr.ResolveOrCreate("/a/one", Input, sample.Trigger, "")
	require.NoError(t, err)
	_, err = tr.ResolveOrCreate("/a/two", Input, sample.Trigger, "")
	require.NoError(t, err)

	root, ok := tr.Find("/a")
	require.True(t, ok)

	first, ok := tr.FirstChild(root.ID, false)
	require.True(t, ok)
	assert.Equal(t, "one", first.Name)

	second, ok := tr.NextSibling(first.ID, false)
	require.True(t, ok)
	assert.Equal(t, "two", second.Name)

	_, ok = tr.NextSibling(second.ID, false)
	assert.False(t, ok)
}

func TestSetSourceRefusesCycle(t *testing.T) {
	tr := New(testClock(1))

	a, err := tr.ResolveOrCreate("/a", Input, sample.Numeric, "")
	require.NoError(t, err)
	b, err := tr.ResolveOrCreate("/b", Input, sample.Numeric, "")
	require.NoError(t, err)

	require.NoError(t, tr.SetSource(a.ID, b.ID))

	err = tr.SetSource(b.ID, a.ID)
	require.Error(t, err)
}

func TestGetLastModifiedTracksBothKinds(t *testing.T) {
	tr := New(testClock(5))
	entry, err := tr.ResolveOrCreate("/a", Input, sample.Numeric, "")
	require.NoError(t, err)

	assert.Equal(t, float64(5), tr.GetLastModified(entry.ID))

	tr.TouchValue(entry.ID, 9)
	assert.Equal(t, float64(9), tr.GetLastModified(entry.ID))
}
