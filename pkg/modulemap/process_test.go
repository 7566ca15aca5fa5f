package modulemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcess_FindBoundaries(t *testing.T) {
	p := NewProcess(1)
	p.AddModule(Module{Start: 1, End: 1025})
	p.AddModule(Module{Start: 1025, End: 2049})
	p.AddModule(Module{Start: 2049, End: 3073})

	_, ok := p.Find(0)
	require.False(t, ok)

	m, ok := p.Find(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), m.Start)

	m, ok = p.Find(1024)
	require.True(t, ok)
	require.Equal(t, uint64(1), m.Start)

	m, ok = p.Find(1025)
	require.True(t, ok)
	require.Equal(t, uint64(1025), m.Start)

	m, ok = p.Find(3072)
	require.True(t, ok)
	require.Equal(t, uint64(2049), m.Start)

	_, ok = p.Find(3073)
	require.False(t, ok)
}

func TestProcess_AddModuleEvictsOverlap(t *testing.T) {
	p := NewProcess(1)
	p.AddModule(Module{Start: 0x1000, End: 0x3000, Path: "old"})
	p.AddModule(Module{Start: 0x2000, End: 0x4000, Path: "new"})

	require.Len(t, p.Modules(), 1)
	m, ok := p.Find(0x1500)
	require.False(t, ok)

	m, ok = p.Find(0x2500)
	require.True(t, ok)
	require.Equal(t, "new", m.Path)
}

func TestProcess_NonOverlapInvariantHolds(t *testing.T) {
	p := NewProcess(1)
	p.AddModule(Module{Start: 0, End: 100})
	p.AddModule(Module{Start: 200, End: 300})
	p.AddModule(Module{Start: 50, End: 250}) // overlaps both

	mods := p.Modules()
	require.Len(t, mods, 1)
	for i := 1; i < len(mods); i++ {
		require.GreaterOrEqual(t, mods[i].Start, mods[i-1].End)
	}
}

func TestProcess_Fork(t *testing.T) {
	p := NewProcess(1)
	p.Name = "parent"
	p.AddModule(Module{Start: 0, End: 10})

	child := p.Fork(2)
	require.Equal(t, "parent", child.Name)
	require.Len(t, child.Modules(), 1)

	child.AddModule(Module{Start: 20, End: 30})
	require.Len(t, p.Modules(), 1)
}
