package peersync

import (
	"fmt"
	"strings"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/tier"
)

// Peer is an xServer reachable over HTTP.
type Peer struct {
	KeyAddress string
	BaseURL    string
}

// PeerSource lists the peers messages are delivered to.
type PeerSource interface {
	Peers() []Peer
}

// ActiveLister is the registry view peers are drawn from.
type ActiveLister interface {
	GetTopXServers(n int) []models.ServerNode
}

// RegistryPeers selects active registry entries that serve the profile
// surface, excluding this node.
type RegistryPeers struct {
	Registry       ActiveLister
	SelfKeyAddress string
	Scheme         string
	Limit          int
}

// Peers implements PeerSource.
func (p RegistryPeers) Peers() []Peer {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	nodes := p.Registry.GetTopXServers(p.Limit)
	out := make([]Peer, 0, len(nodes))
	for _, n := range nodes {
		if !tier.Allowed(n.Tier, tier.ProfileMinimum) || strings.EqualFold(n.KeyAddress, p.SelfKeyAddress) {
			continue
		}
		out = append(out, Peer{
			KeyAddress: n.KeyAddress,
			BaseURL:    fmt.Sprintf("%s://%s:%d", scheme, n.NetworkAddress, n.NetworkPort),
		})
	}
	return out
}

// StaticPeers is a fixed peer list, used for seed nodes and tests.
type StaticPeers []Peer

// Peers implements PeerSource.
func (s StaticPeers) Peers() []Peer { return s }

// Combined merges several sources, dropping repeated base URLs.
type Combined []PeerSource

// Peers implements PeerSource.
func (c Combined) Peers() []Peer {
	seen := make(map[string]bool)
	var out []Peer
	for _, src := range c {
		for _, p := range src.Peers() {
			key := strings.TrimRight(strings.ToLower(p.BaseURL), "/")
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

// ParseStaticPeers reads "url" or "keyAddress@url" entries.
func ParseStaticPeers(entries []string) StaticPeers {
	peers := make(StaticPeers, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		var p Peer
		if key, url, ok := strings.Cut(e, "@"); ok && !strings.Contains(key, "/") {
			p = Peer{KeyAddress: key, BaseURL: url}
		} else {
			p = Peer{BaseURL: e}
		}
		peers = append(peers, p)
	}
	return peers
}
