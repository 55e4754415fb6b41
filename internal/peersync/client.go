package peersync

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xserver-network/xserverd/internal/models"
)

// Headers carrying node-to-node authentication.
const (
	HeaderKeyAddress = "X-Key-Address"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
)

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer responded %d: %s %s", e.StatusCode, e.Code, e.Reason)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// RejectedError means the peer holds a better reservation for the name.
type RejectedError struct {
	Current models.ProfileReservation
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("peer holds %q at height %d", e.Current.Name, e.Current.Height)
}

type errorBody struct {
	Code    string          `json:"code"`
	Reason  string          `json:"reason"`
	Current json.RawMessage `json:"current"`
}

// Client talks to peer xServers over their HTTP surface and signs each
// request with this node's sign key.
type Client struct {
	httpClient *http.Client
	keyAddress string
	signKey    *ecdsa.PrivateKey
	clock      func() time.Time
}

// NewClient creates a peer client. signKey may be nil for nodes that
// only pull.
func NewClient(httpClient *http.Client, keyAddress string, signKey *ecdsa.PrivateKey) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient, keyAddress: keyAddress, signKey: signKey, clock: time.Now}
}

// Deliver implements Transport.
func (c *Client) Deliver(ctx context.Context, peer Peer, msg Message) error {
	var (
		path string
		body any
	)
	switch msg.Kind {
	case KindReservation:
		path, body = "/receiveprofilereservation", msg.Reservation
	case KindLost:
		path, body = "/reservationlost", msg.Lost
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s: %w", msg.Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return decodeError(resp)
}

func (c *Client) sign(req *http.Request) error {
	if c.signKey == nil {
		return nil
	}
	creds, err := NewCredentials(c.signKey, c.keyAddress, c.clock())
	if err != nil {
		return err
	}
	req.Header.Set(HeaderKeyAddress, creds.KeyAddress)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(creds.Timestamp, 10))
	req.Header.Set(HeaderSignature, creds.Signature)
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	if resp.StatusCode == http.StatusConflict && body.Code == "NameAlreadyReserved" && len(body.Current) > 0 {
		var current models.ProfileReservation
		if err := json.Unmarshal(body.Current, &current); err == nil {
			return &RejectedError{Current: current}
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Code: body.Code, Reason: body.Reason}
}

type profilesPage struct {
	Profiles []models.ProfileReservation `json:"profiles"`
}

// FetchProfiles implements PageFetcher.
func (c *Client) FetchProfiles(ctx context.Context, peer Peer, fromBlock uint64) ([]models.ProfileReservation, error) {
	u := peer.BaseURL + "/getprofiles?" + url.Values{"fromBlock": {strconv.FormatUint(fromBlock, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profiles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var page profilesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return page.Profiles, nil
}
