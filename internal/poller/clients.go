package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/loykin/hashvisor/internal/pool"
)

const (
	XmrigSummaryPath = "/1/summary"
	XmrigConfigPath  = "/1/config"

	XvbPublicURL  = "https://xmrvsbeast.com/p2pool/stats"
	XvbPrivateURL = "https://xmrvsbeast.com/cgi-bin/p2pool_bonus_history_gupaxx_api.cgi"
)

// XmrigAPI talks to the HTTP API shared by XMRig and XMRig-Proxy.
type XmrigAPI struct {
	HTTP *HTTP
	Base string
	// Wallet is used to derive the pool login on reconfiguration.
	Wallet string
}

func NewXmrigAPI(base, token, wallet string) *XmrigAPI {
	return &XmrigAPI{HTTP: NewHTTP(token), Base: strings.TrimSuffix(base, "/"), Wallet: wallet}
}

func (a *XmrigAPI) Summary(ctx context.Context) (XmrigSummary, error) {
	var s XmrigSummary
	err := a.HTTP.GetJSON(ctx, a.Base+XmrigSummaryPath, &s)
	return s, err
}

// ProxySummary fetches the proxy summary and converts its kH/s figures.
func (a *XmrigAPI) ProxySummary(ctx context.Context) (ProxySummary, error) {
	var s ProxySummary
	if err := a.HTTP.GetJSON(ctx, a.Base+XmrigSummaryPath, &s); err != nil {
		return ProxySummary{}, err
	}
	s.normalize()
	return s, nil
}

// SetPool points the engine at p by rewriting the first pool entry of its
// live config. Other config keys are sent back unchanged.
func (a *XmrigAPI) SetPool(ctx context.Context, p pool.Pool) error {
	cfg := map[string]any{}
	if err := a.HTTP.GetJSON(ctx, a.Base+XmrigConfigPath, &cfg); err != nil {
		return fmt.Errorf("get config: %w", err)
	}
	entry := map[string]any{}
	if pools, ok := cfg["pools"].([]any); ok && len(pools) > 0 {
		if first, ok := pools[0].(map[string]any); ok {
			entry = first
		}
	}
	entry["url"] = p.Address()
	entry["user"] = p.User(a.Wallet)
	entry["rig-id"] = pool.Tag
	entry["tls"] = p.TLS()
	entry["keepalive"] = p.Keepalive()
	entry["enabled"] = true
	cfg["pools"] = []any{entry}
	if err := a.HTTP.PutJSON(ctx, a.Base+XmrigConfigPath, cfg, nil); err != nil {
		return fmt.Errorf("put config: %w", err)
	}
	return nil
}

// NodeRPC queries monerod's JSON-RPC endpoint.
type NodeRPC struct {
	HTTP *HTTP
	URL  string
}

func NewNodeRPC(base string) *NodeRPC {
	return &NodeRPC{HTTP: NewHTTP(""), URL: strings.TrimSuffix(base, "/") + "/json_rpc"}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (n *NodeRPC) GetInfo(ctx context.Context) (NodeInfo, error) {
	var resp struct {
		Result NodeInfo  `json:"result"`
		Error  *rpcError `json:"error"`
	}
	if err := n.HTTP.PostJSON(ctx, n.URL, rpcRequest{JSONRPC: "2.0", ID: "0", Method: "get_info"}, &resp); err != nil {
		return NodeInfo{}, err
	}
	if resp.Error != nil {
		return NodeInfo{}, fmt.Errorf("get_info: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// XvbAPI fetches the arbitration service statistics.
type XvbAPI struct {
	HTTP       *HTTP
	PublicURL  string
	PrivateURL string
}

func NewXvbAPI() *XvbAPI {
	return &XvbAPI{HTTP: NewHTTP(""), PublicURL: XvbPublicURL, PrivateURL: XvbPrivateURL}
}

func (x *XvbAPI) Public(ctx context.Context) (XvbPublic, error) {
	var p XvbPublic
	err := x.HTTP.GetJSON(ctx, x.PublicURL, &p)
	return p, err
}

// Private returns the bonus history for address. An address the service
// does not know yields ErrNotRegistered.
func (x *XvbAPI) Private(ctx context.Context, address string) (XvbPrivate, error) {
	var p XvbPrivate
	err := x.HTTP.GetJSON(ctx, x.PrivateURL+"?address="+url.QueryEscape(address), &p)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity {
		return XvbPrivate{}, fmt.Errorf("%s: %w", address, ErrNotRegistered)
	}
	return p, err
}
