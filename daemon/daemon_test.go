package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
)

func TestAllowedPeersStrictRejectsBadScheme(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gun.Peers = []string{"wss://peer.example/gun", "http://bad.example"}
	cfg.Gun.Strict = true

	_, err := allowedPeers(cfg, common.ComponentLogger("test"))
	require.Error(t, err)
	assert.Equal(t, common.FailurePolicy, common.KindOf(err))
}

func TestAllowedPeersStrictAcceptsCleanWhitelist(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gun.Peers = []string{"wss://peer.example/gun", "ws://other.example/gun"}
	cfg.Gun.Strict = true

	peers, err := allowedPeers(cfg, common.ComponentLogger("test"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Gun.Peers, peers)
}

func TestAllowedPeersFiltersWhenNotStrict(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gun.Peers = []string{"wss://peer.example/gun", "http://bad.example", "::"}

	peers, err := allowedPeers(cfg, common.ComponentLogger("test"))
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://peer.example/gun"}, peers)
}
