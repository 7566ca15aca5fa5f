package modulemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachine_NewProcessResetsNameOnReuse(t *testing.T) {
	m := NewMachine()

	p := m.EnsureProcess(100)
	p.Name = "old-binary"

	p2 := m.NewProcess(100) // pid reused without an explicit exit/drop
	require.Empty(t, p2.Name)
}

func TestMachine_ForkInheritsModules(t *testing.T) {
	m := NewMachine()
	parent := m.EnsureProcess(1)
	parent.Name = "parent"
	parent.AddModule(Module{Start: 0, End: 100})

	child := m.ForkProcess(2, 1)
	require.Equal(t, "parent", child.Name)
	require.Len(t, child.Modules(), 1)
}

func TestMachine_ForkNonexistentParentFallsBack(t *testing.T) {
	m := NewMachine()

	child := m.ForkProcess(2, 1)
	require.Empty(t, child.Name)
	_, ok := m.FindProcess(1)
	require.False(t, ok)
}

func TestMachine_FindUnknownProcess(t *testing.T) {
	m := NewMachine()
	_, ok := m.Find(99, 0x1000)
	require.False(t, ok)
}

func TestMachine_DropProcess(t *testing.T) {
	m := NewMachine()
	m.EnsureProcess(5)
	require.True(t, m.DropProcess(5))
	require.False(t, m.DropProcess(5))
}
