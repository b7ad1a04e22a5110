package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
	"github.com/jiangfire/envcli-sub000/internal/plugin/plugintest"
	"github.com/jiangfire/envcli-sub000/internal/plugin/signature"
)

func signedFake(t *testing.T, id, seed string) func() *plugintest.Fake {
	return func() *plugintest.Fake {
		p := plugintest.New(id, plugin.HookPreCommand)
		signed, err := signature.New().SignMetadata(p.Meta, seed)
		require.NoError(t, err)
		p.Meta = signed
		return p
	}
}

func TestVerifyPluginSignature(t *testing.T) {
	seed, _, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	f := newFixture(t)
	f.load(f.add("signed.sh", signedFake(t, "signed", seed)))
	f.load(f.add("plain.sh", fakeOf("plain")))

	assert.NoError(t, f.m.VerifyPluginSignature("signed", false))

	err = f.m.VerifyPluginSignature("plain", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrExecutionFailed)
	assert.ErrorIs(t, err, signature.ErrUnsigned)

	assert.NoError(t, f.m.VerifyPluginSignature("plain", true))
	assert.ErrorIs(t, f.m.VerifyPluginSignature("ghost", false), plugin.ErrNotFound)
	assert.EqualValues(t, 4, f.m.PerformanceStats().Verification)
}

func TestVerifyPluginSignature_Tampered(t *testing.T) {
	seed, _, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	f := newFixture(t)
	f.load(f.add("fmt.sh", func() *plugintest.Fake {
		p := signedFake(t, "fmt", seed)()
		p.Meta.Version = "9.9.9"
		return p
	}))

	err = f.m.VerifyPluginSignature("fmt", false)
	assert.ErrorIs(t, err, signature.ErrVerificationFailed)
}

func TestVerifyAllSignatures(t *testing.T) {
	seed, _, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	f := newFixture(t)
	f.load(f.add("signed.sh", signedFake(t, "signed", seed)))
	f.load(f.add("plain.sh", fakeOf("plain")))

	results := f.m.VerifyAllSignatures(false)
	require.Len(t, results, 2)
	assert.NoError(t, results["signed"])
	assert.ErrorIs(t, results["plain"], signature.ErrUnsigned)
}

func TestSignPlugin(t *testing.T) {
	seed, pub, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	f := newFixture(t)
	f.load(f.add("fmt.sh", fakeOf("fmt", plugin.HookPreCommand)))

	signed, err := f.m.SignPlugin("fmt", seed)
	require.NoError(t, err)
	require.NotNil(t, signed.Signature)
	assert.Equal(t, pub, signed.Signature.PublicKey)
	assert.NoError(t, f.m.Verifier().VerifyMetadata(signed, false))

	// The live instance keeps its own metadata.
	assert.ErrorIs(t, f.m.VerifyPluginSignature("fmt", false), signature.ErrUnsigned)

	_, err = f.m.SignPlugin("fmt", "not-hex")
	assert.ErrorIs(t, err, plugin.ErrExecutionFailed)
	assert.ErrorIs(t, err, signature.ErrSigningFailed)
}
