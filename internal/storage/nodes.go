package storage

import (
	"context"
	"fmt"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/tier"
)

// SaveServer upserts a registry entry
func (db *DB) SaveServer(ctx context.Context, node *models.ServerNode) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO server_nodes (key_address, seq, profile_name, network_address, network_port, sign_address,
		 fee_address, signature, tier, network_protocol, request_count, heartbeat_count, last_seen, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (key_address) DO UPDATE SET
		 profile_name = EXCLUDED.profile_name, network_address = EXCLUDED.network_address,
		 network_port = EXCLUDED.network_port, sign_address = EXCLUDED.sign_address,
		 fee_address = EXCLUDED.fee_address, signature = EXCLUDED.signature, tier = EXCLUDED.tier,
		 network_protocol = EXCLUDED.network_protocol, request_count = EXCLUDED.request_count,
		 heartbeat_count = EXCLUDED.heartbeat_count, last_seen = EXCLUDED.last_seen`,
		node.KeyAddress, int64(node.Seq), node.ProfileName, node.NetworkAddress, node.NetworkPort,
		node.SignAddress, node.FeeAddress, node.Signature, int(node.Tier), node.NetworkProtocol,
		int64(node.RequestCount), int64(node.HeartbeatCount), node.LastSeen, node.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to save server node: %w", err)
	}
	return nil
}

// DeleteServer removes a registry entry
func (db *DB) DeleteServer(ctx context.Context, keyAddress string) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM server_nodes WHERE key_address = $1", keyAddress)
	if err != nil {
		return fmt.Errorf("failed to delete server node: %w", err)
	}
	return nil
}

// LoadServers returns every registry entry in insertion order
func (db *DB) LoadServers(ctx context.Context) ([]models.ServerNode, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT seq, profile_name, network_address, network_port, key_address, sign_address, fee_address,
		 signature, tier, network_protocol, request_count, heartbeat_count, last_seen, registered_at
		 FROM server_nodes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load server nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.ServerNode
	for rows.Next() {
		var (
			node                      models.ServerNode
			seq, requests, heartbeats int64
			level                     int
		)
		err := rows.Scan(
			&seq, &node.ProfileName, &node.NetworkAddress, &node.NetworkPort, &node.KeyAddress,
			&node.SignAddress, &node.FeeAddress, &node.Signature, &level, &node.NetworkProtocol,
			&requests, &heartbeats, &node.LastSeen, &node.RegisteredAt)
		if err != nil {
			return nil, err
		}
		node.Seq = uint64(seq)
		node.Tier = tier.Level(level)
		node.RequestCount = uint64(requests)
		node.HeartbeatCount = uint64(heartbeats)
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
