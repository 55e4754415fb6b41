// Package chain reports the local node's view of the best block height,
// the logical clock profile reservations are ordered by.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// HeightSource yields the best block height known to this node.
type HeightSource interface {
	BestHeight(ctx context.Context) (uint64, error)
}

// Static is a fixed height, useful for nodes without a full node and for
// tests. Set may be called concurrently with BestHeight.
type Static struct {
	height atomic.Uint64
}

// NewStatic creates a Static source at height.
func NewStatic(height uint64) *Static {
	s := &Static{}
	s.height.Store(height)
	return s
}

// Set moves the height.
func (s *Static) Set(height uint64) { s.height.Store(height) }

// BestHeight implements HeightSource.
func (s *Static) BestHeight(ctx context.Context) (uint64, error) {
	return s.height.Load(), nil
}

// NodeClient reads the height from the co-located full node's REST API.
type NodeClient struct {
	client   *http.Client
	endpoint string
}

// NewNodeClient creates a client for the full node at endpoint.
func NewNodeClient(client *http.Client, endpoint string) *NodeClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &NodeClient{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

type nodeStatus struct {
	BlockStoreHeight uint64 `json:"blockStoreHeight"`
	ConsensusHeight  uint64 `json:"consensusHeight"`
}

// BestHeight implements HeightSource.
func (c *NodeClient) BestHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/Node/status", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query node status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("query node status: status %d", resp.StatusCode)
	}
	var status nodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, fmt.Errorf("decode node status: %w", err)
	}
	if status.ConsensusHeight > status.BlockStoreHeight {
		return status.ConsensusHeight, nil
	}
	return status.BlockStoreHeight, nil
}
