package mapent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateRoundTrip(t *testing.T) {
	c := New("test")

	r := c.Update("home", "-fstype=nfs srv:/home", 1)
	assert.Equal(t, UPDATED, r)

	e := c.Lookup("home")
	require.NotNil(t, e)
	assert.Equal(t, "-fstype=nfs srv:/home", e.Entry)
	assert.EqualValues(t, 1, e.Age)

	// Scenario from spec §8: update(k, v, t) twice returns OK the second time.
	r = c.Update("home", "-fstype=nfs srv:/home", 2)
	assert.Equal(t, OK, r)
}

func TestCleanRemovesOlderThanCutoff(t *testing.T) {
	c := New("test")
	c.Update("a", "x", 1)
	c.Update("b", "y", 5)

	c.Clean(3)

	assert.Nil(t, c.Lookup("a"))
	assert.NotNil(t, c.Lookup("b"))
}

func TestDelete(t *testing.T) {
	c := New("test")
	assert.False(t, c.Delete("missing"))
	c.Update("k", "v", 1)
	assert.True(t, c.Delete("k"))
	assert.Nil(t, c.Lookup("k"))
}

func TestNegativeCacheWindow(t *testing.T) {
	c := New("test")
	now := time.Now()

	c.Negate("ghost", now, 30*time.Second)

	e := c.Lookup("ghost")
	require.NotNil(t, e)
	assert.True(t, e.Negative(now.Add(10*time.Second)))
	assert.False(t, e.Negative(now.Add(31*time.Second)))
}

func TestLookupDistinctExcludesForeignOwner(t *testing.T) {
	parent := New("parent")
	child := New("child")

	parent.Update("shared", "v", 1)
	e := parent.Lookup("shared")
	require.NotNil(t, e)

	// simulate the child cache sharing the parent's Mapent via Multi linkage
	child.db.Set("shared", e, 0)

	assert.NotNil(t, child.Lookup("shared"))
	assert.Nil(t, child.LookupDistinct("shared"), "entry physically owned by parent must not be distinct in child")
	assert.NotNil(t, parent.LookupDistinct("shared"))
}

func TestPartialMatchReturnsLongestPrefix(t *testing.T) {
	c := New("test")
	c.Update("a", "root", 1)
	c.Update("a/b", "mid", 1)
	c.Update("a/b/c", "leaf", 1)

	m := c.PartialMatch("a/b/c/d")
	require.NotNil(t, m)
	assert.Equal(t, "a/b/c", m.Key)

	m = c.PartialMatch("a/x")
	require.NotNil(t, m)
	assert.Equal(t, "a", m.Key)

	assert.Nil(t, c.PartialMatch("z"))
}

// TestUpdateMultiMountPopulatesMulti exercises spec §3/§4.A's Multi
// back-link: an entry text with several "/offset location" segments must
// create one child Mapent per offset, each pointing back to the root.
func TestUpdateMultiMountPopulatesMulti(t *testing.T) {
	c := New("test")
	r := c.Update("server", "/src1 srv1:/export/src1 /src2 srv2:/export/src2", 1)
	assert.Equal(t, UPDATED, r)

	root := c.Lookup("server")
	require.NotNil(t, root)
	assert.Nil(t, root.Multi, "the root entry itself has no Multi back-link")

	child1 := c.Lookup("server/src1")
	require.NotNil(t, child1)
	assert.Same(t, root, child1.Multi)
	assert.Equal(t, "srv1:/export/src1", child1.Entry)

	child2 := c.Lookup("server/src2")
	require.NotNil(t, child2)
	assert.Same(t, root, child2.Multi)
	assert.Equal(t, "srv2:/export/src2", child2.Entry)
}

func TestUpdateSingleOffsetIsNotMultiMount(t *testing.T) {
	c := New("test")
	c.Update("home", "/data -fstype=nfs srv:/home", 1)
	assert.Nil(t, c.Lookup("home/data"))
}

func TestEnumerateHoldsSnapshot(t *testing.T) {
	c := New("test")
	c.Update("a", "1", 1)
	c.Update("b", "2", 1)

	cur := c.EnumerateReadLock()
	defer cur.Unlock()
	assert.Equal(t, 2, cur.Len())

	seen := map[string]bool{}
	cur.Enumerate(func(m *Mapent) { seen[m.Key] = true })
	assert.True(t, seen["a"] && seen["b"])
}
