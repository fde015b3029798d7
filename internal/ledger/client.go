package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vidchain/vidchain/internal/wallet"
)

const defaultMaxResponseBytes = 32 << 20

var _ Service = (*Client)(nil)

type Config struct {
	URL             string
	ContractAddress string
	// CallTimeout bounds each JSON-RPC round trip. Zero disables the ceiling.
	CallTimeout time.Duration
	// PollInterval is the delay between receipt polls while waiting for finalization.
	PollInterval time.Duration
	// MaxResponseBytes caps a node response. Larger responses fail the call.
	// Zero means 32 MiB.
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client talks JSON-RPC 2.0 to a ledger node.
type Client struct {
	url          string
	contract     string
	http         *http.Client
	callTimeout  time.Duration
	pollInterval time.Duration
	maxResponse  int64
	nextID       atomic.Int64
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	maxResponse := cfg.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = defaultMaxResponseBytes
	}
	return &Client{
		url:          cfg.URL,
		contract:     cfg.ContractAddress,
		http:         httpClient,
		callTimeout:  cfg.CallTimeout,
		pollInterval: poll,
		maxResponse:  maxResponse,
	}
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// CallArgs addresses a read-only contract method.
type CallArgs struct {
	To     string   `json:"to"`
	Method string   `json:"method"`
	Args   []string `json:"args"`
}

// TxPayload is the signed body of a transaction. Its JSON encoding is the
// exact byte sequence that gets signed.
type TxPayload struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args"`
	From     string   `json:"from"`
	Nonce    string   `json:"nonce"`
}

type SignedTx struct {
	Tx        TxPayload `json:"tx"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"publicKey"`
}

// SigningBytes returns the canonical encoding of the payload.
func (p TxPayload) SigningBytes() []byte {
	b, _ := json.Marshal(p)
	return b
}

type userResult struct {
	Username string `json:"username"`
}

func (c *Client) GetUser(ctx context.Context, address string) (string, error) {
	var out userResult
	err := c.call(ctx, "vid_call", []any{CallArgs{To: c.contract, Method: MethodGetUser, Args: []string{address}}}, &out)
	if err != nil {
		return "", fmt.Errorf("%w: getUser: %w", ErrLedgerQuery, err)
	}
	return out.Username, nil
}

func (c *Client) ListAllVideos(ctx context.Context) ([]Record, error) {
	var out []Record
	err := c.call(ctx, "vid_call", []any{CallArgs{To: c.contract, Method: MethodListAllVideos, Args: []string{}}}, &out)
	if err != nil {
		return nil, fmt.Errorf("%w: listAllVideos: %w", ErrLedgerQuery, err)
	}
	return out, nil
}

func (c *Client) RegisterUser(ctx context.Context, signer wallet.Signer, name string) (Transaction, error) {
	tx, err := c.send(ctx, signer, MethodRegisterUser, name)
	if err != nil {
		return nil, fmt.Errorf("%w: registerUser: %w", ErrLedgerCommit, err)
	}
	return tx, nil
}

func (c *Client) UploadVideo(ctx context.Context, signer wallet.Signer, title, description, contentHash string) (Transaction, error) {
	tx, err := c.send(ctx, signer, MethodUploadVideo, title, description, contentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: uploadVideo: %w", ErrLedgerCommit, err)
	}
	return tx, nil
}

func (c *Client) send(ctx context.Context, signer wallet.Signer, method string, args ...string) (*pendingTx, error) {
	if signer == nil {
		return nil, wallet.ErrNotConnected
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	payload := TxPayload{
		Contract: c.contract,
		Method:   method,
		Args:     args,
		From:     signer.Address(),
		Nonce:    nonce,
	}
	sig, err := signer.Sign(payload.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}

	var hash string
	signed := SignedTx{
		Tx:        payload,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(signer.PublicKey()),
	}
	if err := c.call(ctx, "vid_sendTransaction", []any{signed}, &hash); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.New("node returned empty transaction hash")
	}
	slog.Debug("ledger: transaction submitted", "method", method, "tx", hash, "from", payload.From)
	return &pendingTx{hash: hash, client: c}, nil
}

// Receipt returns the receipt of a transaction, or nil while it is pending.
func (c *Client) Receipt(ctx context.Context, hash string) (*Receipt, error) {
	var out *Receipt
	if err := c.call(ctx, "vid_getTransactionReceipt", []any{hash}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type pendingTx struct {
	hash   string
	client *Client
}

func (t *pendingTx) Hash() string { return t.hash }

func (t *pendingTx) Wait(ctx context.Context) (*Receipt, error) {
	for {
		receipt, err := t.client.Receipt(ctx, t.hash)
		if err != nil {
			return nil, fmt.Errorf("%w: wait for %s: %w", ErrLedgerCommit, t.hash, err)
		}
		if receipt != nil {
			switch receipt.Status {
			case StatusSuccess:
				return receipt, nil
			case StatusReverted:
				return receipt, fmt.Errorf("%w: %w: %s", ErrLedgerCommit, ErrReverted, receipt.RevertReason)
			}
		}

		select {
		case <-time.After(t.client.pollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: wait for %s: %w", ErrLedgerCommit, t.hash, ctxError(ctx))
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctxError(ctx)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		if ctx.Err() != nil {
			return ctxError(ctx)
		}
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if int64(len(respBody)) > c.maxResponse {
		return fmt.Errorf("%s: response exceeds %d bytes", method, c.maxResponse)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: node returned status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
