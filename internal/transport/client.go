package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dim/pkg/api"
)

// Resolver maps a node id to the address its server listens on.
type Resolver interface {
	Addr(nodeID string) (string, bool)
}

type ClientOptions struct {
	Token   string
	Timeout time.Duration
	TLS     TLSConfig
}

// Client calls the operations of remote nodes.
type Client struct {
	resolver Resolver
	http     *http.Client
	token    string
	scheme   string
}

// NewClient creates a client. Timeout bounds every call; zero means 5s.
func NewClient(resolver Resolver, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	c := &Client{
		resolver: resolver,
		http:     &http.Client{Timeout: opts.Timeout},
		token:    opts.Token,
		scheme:   "http",
	}
	if opts.TLS.Enabled() || opts.TLS.ClientCA != "" {
		tlsConfig, err := ClientTLS(opts.TLS)
		if err != nil {
			return nil, err
		}
		c.http.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		c.scheme = "https"
	}
	return c, nil
}

func (c *Client) baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return c.scheme + "://" + addr
}

// Call invokes op on nodeID. A nil params issues a GET, anything else is
// POSTed as JSON. out may be nil.
func (c *Client) Call(ctx context.Context, nodeID, op string, params, out any) error {
	addr, ok := c.resolver.Addr(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return c.CallAddr(ctx, addr, op, params, out)
}

// CallAddr is Call against an address instead of a node id.
func (c *Client) CallAddr(ctx context.Context, addr, op string, params, out any) error {
	method := http.MethodGet
	var body io.Reader
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		method = http.MethodPost
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(addr)+opPath(op), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", op, addr, ErrUnauthorized)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%s %s: %w", op, addr, &StatusError{Code: resp.StatusCode, Message: e.Error})
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", op, err)
		}
	}
	return nil
}

// ApplyBatch sends cfgs to the apply-batch operation of nodeID.
func (c *Client) ApplyBatch(ctx context.Context, nodeID string, cfgs []api.Configuration) (api.ApplyBatchResponse, error) {
	if cfgs == nil {
		cfgs = []api.Configuration{}
	}
	var resp api.ApplyBatchResponse
	err := c.Call(ctx, nodeID, OpApplyBatch, api.ApplyBatchRequest{Configurations: cfgs}, &resp)
	return resp, err
}

// Ping reports whether nodeID answered its heartbeat within timeout. Any
// failure counts as no response.
func (c *Client) Ping(ctx context.Context, nodeID string, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var hb api.HeartbeatResponse
	if err := c.Call(ctx, nodeID, OpHeartbeat, nil, &hb); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			log.Debug().Err(err).Str("node", nodeID).Msg("Ping failed")
		}
		return false
	}
	return hb.Running && (hb.Node == "" || hb.Node == nodeID)
}

// Heartbeat fetches the heartbeat of the node listening on addr.
func (c *Client) Heartbeat(ctx context.Context, addr string) (api.HeartbeatResponse, error) {
	var hb api.HeartbeatResponse
	err := c.CallAddr(ctx, addr, OpHeartbeat, nil, &hb)
	return hb, err
}

// Status fetches the diagnostics of the node listening on addr.
func (c *Client) Status(ctx context.Context, addr string) (api.StatusResponse, error) {
	var st api.StatusResponse
	err := c.CallAddr(ctx, addr, OpStatus, nil, &st)
	return st, err
}
