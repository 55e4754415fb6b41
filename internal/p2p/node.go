package p2p

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/peersync"
)

// SyncProtocol carries one JSON encoded peersync.Message per stream.
const SyncProtocol = protocol.ID("/xserver/1.0.0/profile-sync")

const maxMessageSize = 64 << 10

// Handler applies messages received from the mesh.
// services.ReservationLedger implements it.
type Handler interface {
	ReceiveProfileReservation(ctx context.Context, r models.ProfileReservation) (bool, error)
	ReservationLost(ctx context.Context, notice models.LostNotice) error
}

// Node represents a libp2p node
type Node struct {
	host    host.Host
	dht     *dht.IpfsDHT
	config  NodeConfig
	handler Handler
	auth    *peersync.Authenticator
	logger  *zap.Logger
}

// NodeConfig holds P2P node configuration. Outgoing messages carry
// credentials for KeyAddress signed with SignKey.
type NodeConfig struct {
	ListenAddresses []string
	BootstrapPeers  []string
	StreamTimeout   time.Duration
	KeyAddress      string
	SignKey         *ecdsa.PrivateKey
}

// NewNode creates a new libp2p node. Incoming messages are applied only
// when auth accepts their sender; a nil auth rejects everything.
func NewNode(cfg NodeConfig, handler Handler, auth *peersync.Authenticator, logger *zap.Logger) *Node {
	if len(cfg.ListenAddresses) == 0 {
		cfg.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{config: cfg, handler: handler, auth: auth, logger: logger.Named("p2p")}
}

// Start starts the P2P node
func (n *Node) Start(ctx context.Context) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(n.config.ListenAddresses...))
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	// DHT for peer discovery
	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT
	if err := kadDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	h.SetStreamHandler(SyncProtocol, n.handleStream)

	for _, addr := range n.config.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			n.logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
	n.logger.Info("p2p node started", zap.String("peer_id", h.ID().String()), zap.Strings("addrs", n.Addrs()))
	return nil
}

// Stop stops the P2P node
func (n *Node) Stop() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the peer ID
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs the node is reachable on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// Connect connects to a peer
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}
	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}
	return nil
}

// Broadcast implements peersync.Broadcaster by writing msg to every
// connected peer.
func (n *Node) Broadcast(ctx context.Context, msg peersync.Message) error {
	if n.host == nil {
		return fmt.Errorf("p2p node not started")
	}
	creds, err := peersync.NewCredentials(n.config.SignKey, n.config.KeyAddress, time.Now())
	if err != nil {
		return err
	}
	msg.Sender = &creds
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var firstErr error
	for _, pid := range n.host.Network().Peers() {
		if err := n.send(ctx, pid, data); err != nil {
			n.logger.Debug("sync send failed", zap.String("peer_id", pid.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Node) send(ctx context.Context, pid peer.ID, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.StreamTimeout)
	defer cancel()
	stream, err := n.host.NewStream(ctx, pid, SyncProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(data); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("failed to write sync message: %w", err)
	}
	return nil
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(n.config.StreamTimeout))
	data, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		_ = s.Reset()
		return
	}
	from := s.Conn().RemotePeer().String()
	if err := n.Apply(context.Background(), data); err != nil {
		n.logger.Debug("sync message not applied", zap.String("peer_id", from), zap.Error(err))
	}
}

// Apply decodes one sync message, authenticates its sender and hands it
// to the handler.
func (n *Node) Apply(ctx context.Context, data []byte) error {
	var msg peersync.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid sync message: %w", err)
	}
	if n.auth == nil {
		return fmt.Errorf("sync message rejected: no peer authenticator")
	}
	if msg.Sender == nil {
		return fmt.Errorf("sync message rejected: %w", peersync.ErrMissingCredentials)
	}
	if err := n.auth.Authenticate(*msg.Sender); err != nil {
		return fmt.Errorf("sync message rejected: %w", err)
	}
	if n.handler == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.StreamTimeout)
	defer cancel()
	switch {
	case msg.Kind == peersync.KindReservation && msg.Reservation != nil:
		res := *msg.Reservation
		if res.Origin == "" {
			res.Origin = msg.Sender.KeyAddress
		}
		_, err := n.handler.ReceiveProfileReservation(ctx, res)
		return err
	case msg.Kind == peersync.KindLost && msg.Lost != nil:
		return n.handler.ReservationLost(ctx, *msg.Lost)
	default:
		return fmt.Errorf("unknown sync message kind %q", msg.Kind)
	}
}
