package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsEmpty(t *testing.T) {
	_, err := NewPool(nil)
	require.ErrorIs(t, err, ErrEmptyPool)

	_, err = NewPool([]string{"", "  "})
	require.ErrorIs(t, err, ErrEmptyPool)
}

func TestAssignRoundRobin(t *testing.T) {
	keys := []string{"K1", "K2", "K3"}
	pool, err := NewPool(keys)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Len())

	for i := 0; i < 20; i++ {
		assert.Equal(t, keys[i%len(keys)], pool.Assign(i), "index %d", i)
	}
}

func TestAssignSingleKey(t *testing.T) {
	pool, err := NewPool([]string{" K1 "})
	require.NoError(t, err)
	assert.Equal(t, "K1", pool.Assign(0))
	assert.Equal(t, "K1", pool.Assign(7))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "ABCD****", Mask("ABCDEFGH"))
	assert.Equal(t, "****", Mask("ABC"))
	assert.NotContains(t, Mask("SECRETVALUE"), "VALUE")
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("K1")
	assert.Equal(t, a, Fingerprint("K1"))
	assert.NotEqual(t, a, Fingerprint("K2"))
	assert.NotContains(t, a, "K1")
	assert.Len(t, a, 12)
}
