package lndrest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/policy"
)

const (
	channelCacheTTL  = 30 * time.Second
	forwardsCacheTTL = 5 * time.Minute
	forwardsWindow   = 7 * 24 * time.Hour
	forwardsPageSize = 1000
)

// Client talks to an LND node over its REST API, authenticating with the
// admin macaroon in the Grpc-Metadata-macaroon header.
type Client struct {
	cfg         config.NodeConfig
	logger      *log.Logger
	httpClient  *http.Client
	baseURL     string
	macaroonHex string

	mu              sync.Mutex
	identityPubkey  string
	channelCache    []wireChannel
	channelCacheAt  time.Time
	policyCache     map[string]channelPolicies
	forwardsCache   map[string]forwardTotals
	forwardsCacheAt time.Time
}

type forwardTotals struct {
	inMsat  int64
	outMsat int64
	feeMsat int64
}

type channelPolicies struct {
	own  wirePolicy
	peer wirePolicy
}

func New(cfg config.NodeConfig, logger *log.Logger) (*Client, error) {
	macaroon, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read macaroon: %w", err)
	}

	tlsConfig := &tls.Config{}
	if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("read tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls cert %s: no certificates found", cfg.TLSCertPath)
		}
		tlsConfig.RootCAs = pool
	} else {
		// Local node with a self-signed cert.
		tlsConfig.InsecureSkipVerify = true
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		baseURL:       strings.TrimRight(cfg.RESTHost, "/"),
		macaroonHex:   hex.EncodeToString(macaroon),
		policyCache:   map[string]channelPolicies{},
		forwardsCache: map[string]forwardTotals{},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroonHex)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(raw), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NodeInfo is the subset of /v1/getinfo the engine cares about.
type NodeInfo struct {
	IdentityPubkey string `json:"identity_pubkey"`
	Alias          string `json:"alias"`
	NumChannels    int    `json:"num_active_channels"`
	BlockHeight    int64  `json:"block_height"`
	SyncedToChain  bool   `json:"synced_to_chain"`
}

func (c *Client) GetInfo(ctx context.Context) (NodeInfo, error) {
	var info NodeInfo
	if err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, nil, &info); err != nil {
		return NodeInfo{}, err
	}
	c.mu.Lock()
	c.identityPubkey = info.IdentityPubkey
	c.mu.Unlock()
	return info, nil
}

type wireChannel struct {
	ChanID        string `json:"chan_id"`
	RemotePubkey  string `json:"remote_pubkey"`
	PeerAlias     string `json:"peer_alias"`
	ChannelPoint  string `json:"channel_point"`
	Capacity      string `json:"capacity"`
	LocalBalance  string `json:"local_balance"`
	RemoteBalance string `json:"remote_balance"`
	Lifetime      string `json:"lifetime"`
	Active        bool   `json:"active"`
}

type wirePolicy struct {
	FeeBaseMsat        string `json:"fee_base_msat"`
	FeeRateMilliMsat   string `json:"fee_rate_milli_msat"`
	InboundFeeBaseMsat int64  `json:"inbound_fee_base_msat"`
	InboundFeeRatePpm  int    `json:"inbound_fee_rate_milli_msat"`
	TimeLockDelta      int    `json:"time_lock_delta"`
	Disabled           bool   `json:"disabled"`
}

type wireEdge struct {
	Node1Pub    string      `json:"node1_pub"`
	Node2Pub    string      `json:"node2_pub"`
	Node1Policy *wirePolicy `json:"node1_policy"`
	Node2Policy *wirePolicy `json:"node2_policy"`
}

// ListChannels returns a snapshot for every active channel.
func (c *Client) ListChannels(ctx context.Context) ([]policy.Snapshot, error) {
	channels, err := c.activeChannels(ctx)
	if err != nil {
		return nil, err
	}
	forwards, err := c.forwardTotals(ctx)
	if err != nil {
		c.logger.Printf("lndrest: forwarding history unavailable: %v", err)
		forwards = map[string]forwardTotals{}
	}

	snaps := make([]policy.Snapshot, 0, len(channels))
	for _, ch := range channels {
		snaps = append(snaps, c.snapshotOf(ctx, ch, forwards[ch.ChanID]))
	}
	return snaps, nil
}

// ChannelSnapshot returns the snapshot for one channel.
func (c *Client) ChannelSnapshot(ctx context.Context, channelID string) (policy.Snapshot, error) {
	channels, err := c.activeChannels(ctx)
	if err != nil {
		return policy.Snapshot{}, err
	}
	forwards, err := c.forwardTotals(ctx)
	if err != nil {
		forwards = map[string]forwardTotals{}
	}
	for _, ch := range channels {
		if ch.ChanID == channelID {
			return c.snapshotOf(ctx, ch, forwards[channelID]), nil
		}
	}
	return policy.Snapshot{}, fmt.Errorf("channel %s not found", channelID)
}

func (c *Client) activeChannels(ctx context.Context) ([]wireChannel, error) {
	c.mu.Lock()
	if time.Since(c.channelCacheAt) < channelCacheTTL && c.channelCache != nil {
		cached := c.channelCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resp struct {
		Channels []wireChannel `json:"channels"`
	}
	query := url.Values{"active_only": {"true"}}
	if err := c.do(ctx, http.MethodGet, "/v1/channels", query, nil, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.channelCache = resp.Channels
	c.channelCacheAt = time.Now()
	c.mu.Unlock()
	return resp.Channels, nil
}

func (c *Client) snapshotOf(ctx context.Context, ch wireChannel, fwd forwardTotals) policy.Snapshot {
	snap := policy.Snapshot{
		ChannelID:          ch.ChanID,
		PeerPubkey:         ch.RemotePubkey,
		PeerAlias:          ch.PeerAlias,
		CapacitySat:        parseInt64(ch.Capacity),
		LocalBalanceSat:    parseInt64(ch.LocalBalance),
		RemoteBalanceSat:   parseInt64(ch.RemoteBalance),
		ForwardedInMsat7d:  fwd.inMsat,
		ForwardedOutMsat7d: fwd.outMsat,
		FeeEarnedMsat:      fwd.feeMsat,
		AgeDays:            int(parseInt64(ch.Lifetime) / 86400),
	}

	policies, err := c.channelPolicies(ctx, ch.ChanID)
	if err != nil {
		c.logger.Printf("lndrest: policies for %s unavailable: %v", ch.ChanID, err)
		return snap
	}
	snap.OutboundFeePpm = int(parseInt64(policies.own.FeeRateMilliMsat))
	snap.OutboundBaseMsat = parseInt64(policies.own.FeeBaseMsat)
	snap.InboundFeePpm = policies.own.InboundFeeRatePpm
	snap.InboundBaseMsat = policies.own.InboundFeeBaseMsat
	if !policies.peer.Disabled {
		if peerPpm := int(parseInt64(policies.peer.FeeRateMilliMsat)); peerPpm > 0 {
			snap.PeerFeeRatesPpm = []int{peerPpm}
		}
	}
	return snap
}

// channelPolicies fetches the graph edge for a channel and splits it into
// our policy and the peer's, keyed by identity pubkey.
func (c *Client) channelPolicies(ctx context.Context, chanID string) (channelPolicies, error) {
	c.mu.Lock()
	if cached, ok := c.policyCache[chanID]; ok && time.Since(c.channelCacheAt) < channelCacheTTL {
		c.mu.Unlock()
		return cached, nil
	}
	identity := c.identityPubkey
	c.mu.Unlock()

	if identity == "" {
		if _, err := c.GetInfo(ctx); err != nil {
			return channelPolicies{}, err
		}
		c.mu.Lock()
		identity = c.identityPubkey
		c.mu.Unlock()
	}

	var edge wireEdge
	if err := c.do(ctx, http.MethodGet, "/v1/graph/edge/"+chanID, nil, nil, &edge); err != nil {
		return channelPolicies{}, err
	}

	var out channelPolicies
	switch identity {
	case edge.Node1Pub:
		if edge.Node1Policy != nil {
			out.own = *edge.Node1Policy
		}
		if edge.Node2Policy != nil {
			out.peer = *edge.Node2Policy
		}
	case edge.Node2Pub:
		if edge.Node2Policy != nil {
			out.own = *edge.Node2Policy
		}
		if edge.Node1Policy != nil {
			out.peer = *edge.Node1Policy
		}
	default:
		return channelPolicies{}, fmt.Errorf("edge %s does not involve this node", chanID)
	}

	c.mu.Lock()
	c.policyCache[chanID] = out
	c.mu.Unlock()
	return out, nil
}

type wireForwardingEvent struct {
	Timestamp string `json:"timestamp"`
	ChanIDIn  string `json:"chan_id_in"`
	ChanIDOut string `json:"chan_id_out"`
	AmtInMsat string `json:"amt_in_msat"`
	AmtOut    string `json:"amt_out_msat"`
	FeeMsat   string `json:"fee_msat"`
}

// forwardTotals aggregates the last 7 days of forwarding events per
// channel: volume in, volume out, fees earned on the outgoing side.
func (c *Client) forwardTotals(ctx context.Context) (map[string]forwardTotals, error) {
	c.mu.Lock()
	if time.Since(c.forwardsCacheAt) < forwardsCacheTTL && c.forwardsCache != nil && len(c.forwardsCache) > 0 {
		cached := c.forwardsCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	totals := map[string]forwardTotals{}
	start := time.Now().Add(-forwardsWindow).Unix()
	offset := 0
	for {
		body := map[string]any{
			"start_time":     strconv.FormatInt(start, 10),
			"index_offset":   offset,
			"num_max_events": forwardsPageSize,
		}
		var resp struct {
			ForwardingEvents []wireForwardingEvent `json:"forwarding_events"`
			LastOffsetIndex  int                   `json:"last_offset_index"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/switch", nil, body, &resp); err != nil {
			return nil, err
		}
		for _, ev := range resp.ForwardingEvents {
			in := totals[ev.ChanIDIn]
			in.inMsat += parseInt64(ev.AmtInMsat)
			totals[ev.ChanIDIn] = in

			out := totals[ev.ChanIDOut]
			out.outMsat += parseInt64(ev.AmtOut)
			out.feeMsat += parseInt64(ev.FeeMsat)
			totals[ev.ChanIDOut] = out
		}
		if len(resp.ForwardingEvents) < forwardsPageSize {
			break
		}
		offset = resp.LastOffsetIndex
	}

	c.mu.Lock()
	c.forwardsCache = totals
	c.forwardsCacheAt = time.Now()
	c.mu.Unlock()
	return totals, nil
}

// ApplyFeePolicy pushes new fee values to a channel via /v1/chanpolicy.
func (c *Client) ApplyFeePolicy(ctx context.Context, channelID string, fees policy.FeeValues) error {
	channels, err := c.activeChannels(ctx)
	if err != nil {
		return err
	}
	var point string
	for _, ch := range channels {
		if ch.ChanID == channelID {
			point = ch.ChannelPoint
			break
		}
	}
	if point == "" {
		return fmt.Errorf("channel %s not found", channelID)
	}
	txid, index, err := splitChannelPoint(point)
	if err != nil {
		return err
	}

	body := map[string]any{
		"chan_point": map[string]any{
			"funding_txid_str": txid,
			"output_index":     index,
		},
		"base_fee_msat":   strconv.FormatInt(fees.OutboundBaseMsat, 10),
		"fee_rate_ppm":    fees.OutboundPpm,
		"time_lock_delta": 80,
		"inbound_fee": map[string]any{
			"base_fee_msat": fees.InboundBaseMsat,
			"fee_rate_ppm":  fees.InboundPpm,
		},
	}
	if err := c.do(ctx, http.MethodPost, "/v1/chanpolicy", nil, body, nil); err != nil {
		return err
	}

	// The edge policy just changed; drop the cached copy.
	c.mu.Lock()
	delete(c.policyCache, channelID)
	c.mu.Unlock()
	return nil
}

func splitChannelPoint(point string) (string, int, error) {
	parts := strings.SplitN(point, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed channel point %q", point)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed channel point %q", point)
	}
	return parts[0], index, nil
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
