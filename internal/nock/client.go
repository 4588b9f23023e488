package nock

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nockpool/nockpool/pkg/circuit"
	"github.com/nockpool/nockpool/pkg/errors"
	"github.com/nockpool/nockpool/pkg/log"
	"github.com/nockpool/nockpool/pkg/retry"
)

// NodeConfig holds NOCK node connection configuration.
type NodeConfig struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// NodeClient talks JSON-RPC to a NOCK node. All calls run behind a circuit
// breaker with bounded retries; failures surface as external errors.
type NodeClient struct {
	cfg     *NodeConfig
	http    *http.Client
	logger  *log.Logger
	breaker *circuit.Breaker
	retries *retry.Config
	reqID   atomic.Uint64
}

// NewNodeClient creates a new node client.
func NewNodeClient(cfg *NodeConfig, logger *log.Logger) *NodeClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &NodeClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
		},
		logger:  logger.WithComponent("nock_client"),
		breaker: circuit.New(circuit.NodeConfig()),
		retries: retry.ChainConfig(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *NodeClient) call(ctx context.Context, method string, params []any, out any) error {
	return c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retries, func() error {
			body, err := json.Marshal(rpcRequest{
				JSONRPC: "1.0",
				ID:      c.reqID.Add(1),
				Method:  method,
				Params:  params,
			})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to marshal RPC request")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build RPC request")
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cfg.User != "" {
				req.SetBasicAuth(c.cfg.User, c.cfg.Password)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeExternal, method, "RPC request failed")
			}
			defer func() {
				if cerr := resp.Body.Close(); cerr != nil {
					c.logger.WithError(cerr).Debug("failed to close RPC response body")
				}
			}()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeExternal, method, "failed to read RPC response")
			}

			if resp.StatusCode != http.StatusOK {
				e := errors.New(errors.ErrorTypeExternal, method, "node returned non-OK status").
					WithContext("status", resp.StatusCode)
				e.Retryable = resp.StatusCode >= 500
				return e
			}

			var rpcResp rpcResponse
			if err := json.Unmarshal(raw, &rpcResp); err != nil {
				return errors.Wrap(err, errors.ErrorTypeExternal, method, "failed to decode RPC response")
			}

			if rpcResp.Error != nil {
				e := errors.New(errors.ErrorTypeExternal, method, rpcResp.Error.Message).
					WithContext("code", rpcResp.Error.Code)
				e.Retryable = false
				return e
			}

			if out != nil {
				if err := json.Unmarshal(rpcResp.Result, out); err != nil {
					return errors.Wrap(err, errors.ErrorTypeExternal, method, "failed to decode RPC result")
				}
			}
			return nil
		})
	})
}

type templateResult struct {
	Height            uint64 `json:"height"`
	PrevHash          string `json:"prev_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Version           uint32 `json:"version"`
	NetworkDifficulty uint64 `json:"network_difficulty"`
}

// GetBlockTemplate fetches a fresh template from the node.
func (c *NodeClient) GetBlockTemplate(ctx context.Context) (*Template, error) {
	var res templateResult
	if err := c.call(ctx, "getblocktemplate", nil, &res); err != nil {
		return nil, err
	}

	prev, err := ParseHash32(res.PrevHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, "getblocktemplate", "node returned malformed prev hash")
	}
	merkle, err := ParseHash32(res.MerkleRoot)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeExternal, "getblocktemplate", "node returned malformed merkle root")
	}

	diff := res.NetworkDifficulty
	if diff == 0 {
		diff = 1
	}

	tmpl := &Template{
		JobID:             fmt.Sprintf("%d-%d", res.Height, time.Now().UnixNano()),
		Height:            res.Height,
		PrevHash:          prev,
		MerkleRoot:        merkle,
		Version:           res.Version,
		NetworkDifficulty: diff,
		BlockTarget:       TargetForDifficulty(diff),
		IssuedAt:          time.Now(),
	}

	c.logger.WithTemplate(tmpl.Height, tmpl.PrevHashHex()).Debug("fetched block template")
	return tmpl, nil
}

// SubmitBlock submits a solved canonical header and returns the block hash.
func (c *NodeClient) SubmitBlock(ctx context.Context, header []byte) (string, error) {
	var hash string
	if err := c.call(ctx, "submitblock", []any{hex.EncodeToString(header)}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// SendPayout submits a payment and returns the transaction hash.
func (c *NodeClient) SendPayout(ctx context.Context, address string, amount float64) (string, error) {
	var txHash string
	if err := c.call(ctx, "sendtoaddress", []any{address, amount}, &txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

type txResult struct {
	Confirmations int64 `json:"confirmations"`
}

// GetConfirmations returns the confirmation count for a transaction.
func (c *NodeClient) GetConfirmations(ctx context.Context, txHash string) (int64, error) {
	var res txResult
	if err := c.call(ctx, "gettransaction", []any{txHash}, &res); err != nil {
		return 0, err
	}
	return res.Confirmations, nil
}

// BestHeight returns the current chain tip height.
func (c *NodeClient) BestHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}
