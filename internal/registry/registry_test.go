package registry

import (
	"testing"

	"github.com/ClusterLabs/groupd/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLookup(t *testing.T) {
	r := New(1)
	g, err := r.Create(0, "lock1", 42)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), g.Level)
	assert.Equal(t, "lock1", g.Name)
	assert.Equal(t, uint64(42), g.ClientID)
	assert.Equal(t, StateNone, g.State)

	found, err := r.Lookup(0, "lock1")
	require.NoError(t, err)
	assert.Same(t, g, found)
}

func TestCreateDuplicateFailsWithNoSideEffects(t *testing.T) {
	r := New(1)
	g1, err := r.Create(0, "lock1", 1)
	require.NoError(t, err)

	_, err = r.Create(0, "lock1", 2)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// No side effects: the original group is untouched and still the
	// only one registered (spec.md §8 boundary behavior).
	found, err := r.Lookup(0, "lock1")
	require.NoError(t, err)
	assert.Same(t, g1, found)
	assert.Equal(t, uint64(1), found.ClientID)
	assert.Len(t, r.All(), 1)
}

func TestCreateRejectsInvalidLevelAndName(t *testing.T) {
	r := New(1)
	_, err := r.Create(MaxLevels, "x", 1)
	assert.Error(t, err)

	_, err = r.Create(0, "", 1)
	assert.Error(t, err)

	tooLong := make([]byte, MaxNameLen+1)
	_, err = r.Create(0, string(tooLong), 1)
	assert.Error(t, err)
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	r := New(1)
	_, err := r.Lookup(0, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LookupByID(123)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LookupByHandle(123)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignGlobalIDIsUniqueAndIndexed(t *testing.T) {
	r := New(7)
	g1, _ := r.Create(0, "a", 1)
	g2, _ := r.Create(0, "b", 1)

	id1 := r.AssignGlobalID(g1)
	id2 := r.AssignGlobalID(g2)

	assert.NotEqual(t, id1, id2)
	assert.NotZero(t, id1)
	assert.Equal(t, uint32(7), id1&0xFFFF, "low16 must be our node id")

	found, err := r.LookupByID(id1)
	require.NoError(t, err)
	assert.Same(t, g1, found)
}

func TestAdoptGlobalIDAdvancesHighWaterMark(t *testing.T) {
	r := New(1)
	g, _ := r.Create(0, "a", 1)
	r.AdoptGlobalID(g, 0x00050002)
	assert.Equal(t, uint32(0x00050002), r.HighestObservedGlobalID())

	g2, _ := r.Create(0, "b", 1)
	nextID := r.AssignGlobalID(g2)
	assert.Greater(t, nextID>>16, uint32(5))
}

func TestDestroyRemovesFromAllIndexes(t *testing.T) {
	r := New(1)
	g, _ := r.Create(0, "a", 1)
	r.AssignGlobalID(g)

	require.NoError(t, r.Destroy(g))

	_, err := r.Lookup(0, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.LookupByID(g.GlobalID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.LookupByHandle(g.Handle)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.Destroy(g), ErrNotFound)
}

func TestGroupHasCapacityAndIsMember(t *testing.T) {
	g := &Group{Members: []oracle.NodeID{1, 2}}
	assert.True(t, g.IsMember(1))
	assert.False(t, g.IsMember(3))
	assert.True(t, g.HasCapacity())
}

func TestGroupCurrentEvent(t *testing.T) {
	g := &Group{}
	assert.Nil(t, g.CurrentEvent())

	e := &Event{ID: 1}
	g.Queue = append(g.Queue, e)
	assert.Same(t, e, g.CurrentEvent())
}
