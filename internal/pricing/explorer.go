package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xserver-network/xserverd/internal/fixed"
)

// ExplorerVerifier checks payments against a block explorer's indexer
// API: the referenced transaction must carry enough confirmations and
// pay at least the expected amount to the destination.
type ExplorerVerifier struct {
	client           *http.Client
	endpoint         string
	minConfirmations int64
}

// NewExplorerVerifier creates a verifier for the indexer at endpoint.
func NewExplorerVerifier(client *http.Client, endpoint string, minConfirmations int64) *ExplorerVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExplorerVerifier{
		client:           client,
		endpoint:         strings.TrimRight(endpoint, "/"),
		minConfirmations: minConfirmations,
	}
}

type explorerTransaction struct {
	TransactionID string `json:"transactionId"`
	Confirmations int64  `json:"confirmations"`
	Outputs       []struct {
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	} `json:"outputs"`
}

// Verify implements Verifier. An unknown transaction is reported as not
// verified rather than as an error so the caller can resubmit later.
func (v *ExplorerVerifier) Verify(ctx context.Context, paymentReference string, expectedAmount fixed.Amount, expectedDestination string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/query/transaction/%s", v.endpoint, url.PathEscape(paymentReference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query transaction: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("query transaction: status %d", resp.StatusCode)
	}

	var tx explorerTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return false, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.Confirmations < v.minConfirmations {
		return false, nil
	}
	var paid int64
	for _, out := range tx.Outputs {
		if strings.EqualFold(out.Address, expectedDestination) {
			paid += out.Balance
		}
	}
	return paid >= expectedAmount.Units(), nil
}
