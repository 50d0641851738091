package nft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// Client implements Contract against a remote JSON-RPC endpoint serving the
// nft_* methods.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient returns a client for the contract served at baseURL. A zero
// timeout selects the default.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SupplyForOwner returns the raw result of nft_supplyForOwner.
func (c *Client) SupplyForOwner(ctx context.Context, account string) (json.RawMessage, error) {
	var result json.RawMessage
	params := map[string]string{"account": account}
	if err := c.call(ctx, "nft_supplyForOwner", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Transfer invokes nft_transfer on the remote contract.
func (c *Client) Transfer(ctx context.Context, assetID, from, to string) error {
	params := map[string]string{"tokenId": assetID, "from": from, "to": to}
	return c.call(ctx, "nft_transfer", []interface{}{params}, nil)
}

// Approve grants or revokes operator's right to move the authenticated
// holder's assets on the remote contract.
func (c *Client) Approve(ctx context.Context, operator string, approved bool) error {
	params := map[string]interface{}{"operator": operator, "approved": approved}
	return c.call(ctx, "nft_approve", []interface{}{params}, nil)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("nft rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("nft rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("nft rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
