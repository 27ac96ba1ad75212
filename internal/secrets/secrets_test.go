package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := Load(t.TempDir())
	require.NoError(t, err)

	sealed, err := k.Seal("sk-or-v1-abcdef")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "abcdef")

	opened, err := k.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-v1-abcdef", opened)
}

func TestKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	k1, err := Load(dir)
	require.NoError(t, err)
	sealed, err := k1.Seal("secret")
	require.NoError(t, err)

	k2, err := Load(dir)
	require.NoError(t, err)
	opened, err := k2.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", opened)
}

func TestLegacyPlaintextPassesThrough(t *testing.T) {
	k, err := Load(t.TempDir())
	require.NoError(t, err)

	opened, err := k.Open("sk-plain-legacy")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-legacy", opened)

	empty, err := k.Seal("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestTamperedValueFails(t *testing.T) {
	k, err := Load(t.TempDir())
	require.NoError(t, err)
	sealed, err := k.Seal("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-2] + "xx"
	_, err = k.Open(tampered)
	assert.Error(t, err)
}
