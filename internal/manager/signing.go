package manager

import (
	"context"
	"fmt"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// VerifyPluginSignature checks the signature carried in id's metadata.
func (m *Manager) VerifyPluginSignature(id string, trustUnsigned bool) error {
	start := m.now()
	err := m.verify(id, trustUnsigned)
	m.finish(context.Background(), opVerify, id, start, err)
	return err
}

func (m *Manager) verify(id string, trustUnsigned bool) error {
	h := m.plugins.Get(id)
	if h == nil {
		return plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	if err := m.verifier.VerifyMetadata(h.Metadata(), trustUnsigned); err != nil {
		return fmt.Errorf("%w: signature of %s: %w", plugin.ErrExecutionFailed, id, err)
	}
	return nil
}

// VerifyAllSignatures verifies every loaded plugin. A nil value means the
// plugin passed.
func (m *Manager) VerifyAllSignatures(trustUnsigned bool) map[string]error {
	ids := m.plugins.IDs()
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		out[id] = m.VerifyPluginSignature(id, trustUnsigned)
	}
	return out
}

// SignPlugin signs id's current metadata with the hex Ed25519 seed and
// returns the signed copy. The live instance is not modified.
func (m *Manager) SignPlugin(id, seedHex string) (plugin.Metadata, error) {
	start := m.now()
	signed, err := m.sign(id, seedHex)
	m.finish(context.Background(), opSign, id, start, err)
	return signed, err
}

func (m *Manager) sign(id, seedHex string) (plugin.Metadata, error) {
	h := m.plugins.Get(id)
	if h == nil {
		return plugin.Metadata{}, plugin.Errorf(plugin.ErrNotFound, "plugin %s is not loaded", id)
	}
	signed, err := m.verifier.SignMetadata(h.Metadata(), seedHex)
	if err != nil {
		return plugin.Metadata{}, fmt.Errorf("%w: signing %s: %w", plugin.ErrExecutionFailed, id, err)
	}
	return signed, nil
}
