package elfutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymCache_PutGetAndEviction(t *testing.T) {
	c := newSymCache(2)

	c.put(1, "one")
	c.put(2, "two")
	c.put(3, "three") // evicts addr 1

	_, ok := c.get(1)
	require.False(t, ok)

	name, ok := c.get(2)
	require.True(t, ok)
	require.Equal(t, "two", name)

	name, ok = c.get(3)
	require.True(t, ok)
	require.Equal(t, "three", name)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open("testdata/does-not-exist")
	require.Error(t, err)
}
