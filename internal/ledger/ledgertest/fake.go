// Package ledgertest provides an in-memory ledger for tests. It implements
// ledger.Service directly and also serves the node's JSON-RPC protocol so the
// HTTP client can be exercised against it.
package ledgertest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/wallet"
)

var _ ledger.Service = (*Fake)(nil)

type op struct {
	from   string
	method string
	args   []string
}

type Fake struct {
	mu       sync.Mutex
	users    map[string]string
	videos   []ledger.Record
	pending  map[string]op
	receipts map[string]*ledger.Receipt
	nonces   map[string]bool
	txSeq    int

	// Now stamps new videos. Defaults to time.Now.
	Now func() time.Time
	// RequireRegistration makes uploadVideo revert for unregistered senders.
	RequireRegistration bool
	// PendingPolls is how many receipt polls return null before finalization (HTTP only).
	PendingPolls int

	GetUserErr  error
	RegisterErr error
	UploadErr   error
	ListErr     error
	WaitErr     error

	getUserCalls  int
	registerCalls int
	uploadCalls   int
	listCalls     int
	polls         map[string]int
}

func New() *Fake {
	return &Fake{
		users:               make(map[string]string),
		pending:             make(map[string]op),
		receipts:            make(map[string]*ledger.Receipt),
		nonces:              make(map[string]bool),
		polls:               make(map[string]int),
		Now:                 time.Now,
		RequireRegistration: true,
	}
}

// SetUser registers name for address without a transaction.
func (f *Fake) SetUser(address, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[strings.ToLower(address)] = name
}

// Seed appends a raw record as-is.
func (f *Fake) Seed(records ...ledger.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, records...)
}

func (f *Fake) Records() []ledger.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Record(nil), f.videos...)
}

func (f *Fake) GetUserCalls() int  { f.mu.Lock(); defer f.mu.Unlock(); return f.getUserCalls }
func (f *Fake) RegisterCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.registerCalls }
func (f *Fake) UploadCalls() int   { f.mu.Lock(); defer f.mu.Unlock(); return f.uploadCalls }
func (f *Fake) ListCalls() int     { f.mu.Lock(); defer f.mu.Unlock(); return f.listCalls }

func (f *Fake) GetUser(_ context.Context, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getUserCalls++
	if f.GetUserErr != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrLedgerQuery, f.GetUserErr)
	}
	return f.users[strings.ToLower(address)], nil
}

func (f *Fake) ListAllVideos(context.Context) ([]ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.ListErr != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerQuery, f.ListErr)
	}
	return append([]ledger.Record(nil), f.videos...), nil
}

func (f *Fake) RegisterUser(_ context.Context, signer wallet.Signer, name string) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if f.RegisterErr != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerCommit, f.RegisterErr)
	}
	return &tx{fake: f, hash: f.submitLocked(signer.Address(), ledger.MethodRegisterUser, []string{name})}, nil
}

func (f *Fake) UploadVideo(_ context.Context, signer wallet.Signer, title, description, contentHash string) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.UploadErr != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerCommit, f.UploadErr)
	}
	return &tx{fake: f, hash: f.submitLocked(signer.Address(), ledger.MethodUploadVideo, []string{title, description, contentHash})}, nil
}

func (f *Fake) submitLocked(from, method string, args []string) string {
	f.txSeq++
	hash := fmt.Sprintf("0x%064x", f.txSeq)
	f.pending[hash] = op{from: from, method: method, args: args}
	return hash
}

// finalize applies a pending transaction exactly once and returns its receipt.
func (f *Fake) finalize(hash string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	o, ok := f.pending[hash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", hash)
	}
	delete(f.pending, hash)

	r := &ledger.Receipt{TxHash: hash, Status: ledger.StatusSuccess, BlockNumber: uint64(f.txSeq)}
	switch o.method {
	case ledger.MethodRegisterUser:
		if strings.TrimSpace(o.args[0]) == "" {
			r.Status, r.RevertReason = ledger.StatusReverted, "name required"
			break
		}
		f.users[strings.ToLower(o.from)] = o.args[0]
		r.Events = []ledger.Event{{Name: ledger.EventUserRegistered, Fields: map[string]string{"user": o.from, "name": o.args[0]}}}
	case ledger.MethodUploadVideo:
		if f.RequireRegistration && f.users[strings.ToLower(o.from)] == "" {
			r.Status, r.RevertReason = ledger.StatusReverted, "user not registered"
			break
		}
		id := strconv.Itoa(len(f.videos) + 1)
		f.videos = append(f.videos, ledger.Record{
			ID:          id,
			Title:       o.args[0],
			Description: o.args[1],
			ContentHash: o.args[2],
			Uploader:    o.from,
			Timestamp:   strconv.FormatInt(f.Now().Unix(), 10),
		})
		r.Events = []ledger.Event{{Name: ledger.EventVideoUploaded, Fields: map[string]string{"id": id, "uploader": o.from}}}
	default:
		r.Status, r.RevertReason = ledger.StatusReverted, "unknown method "+o.method
	}
	f.receipts[hash] = r
	return r, nil
}

type tx struct {
	fake *Fake
	hash string
}

func (t *tx) Hash() string { return t.hash }

func (t *tx) Wait(ctx context.Context) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerCommit, err)
	}
	t.fake.mu.Lock()
	waitErr := t.fake.WaitErr
	t.fake.mu.Unlock()
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerCommit, waitErr)
	}

	r, err := t.fake.finalize(t.hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedgerCommit, err)
	}
	if r.Status == ledger.StatusReverted {
		return r, fmt.Errorf("%w: %w: %s", ledger.ErrLedgerCommit, ledger.ErrReverted, r.RevertReason)
	}
	return r, nil
}

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler serves the ledger node's JSON-RPC protocol.
func (f *Fake) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Params) != 1 {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32700, Message: "parse error"})
			return
		}
		result, err := f.dispatch(req.Method, req.Params[0])
		if err != nil {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32000, Message: err.Error()})
			return
		}
		writeRPC(w, req.ID, result, nil)
	})
}

func (f *Fake) dispatch(method string, param json.RawMessage) (any, error) {
	switch method {
	case "vid_call":
		var call ledger.CallArgs
		if err := json.Unmarshal(param, &call); err != nil {
			return nil, err
		}
		switch call.Method {
		case ledger.MethodGetUser:
			if len(call.Args) != 1 {
				return nil, errors.New("getUser takes one argument")
			}
			name, err := f.GetUser(context.Background(), call.Args[0])
			if err != nil {
				return nil, err
			}
			return map[string]string{"username": name}, nil
		case ledger.MethodListAllVideos:
			return f.ListAllVideos(context.Background())
		}
		return nil, fmt.Errorf("unknown call %q", call.Method)

	case "vid_sendTransaction":
		var signed ledger.SignedTx
		if err := json.Unmarshal(param, &signed); err != nil {
			return nil, err
		}
		return f.acceptSigned(signed)

	case "vid_getTransactionReceipt":
		var hash string
		if err := json.Unmarshal(param, &hash); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.polls[hash]++
		waiting := f.polls[hash] <= f.PendingPolls
		f.mu.Unlock()
		if waiting {
			return nil, nil
		}
		return f.finalize(hash)
	}
	return nil, fmt.Errorf("method %q not found", method)
}

func (f *Fake) acceptSigned(signed ledger.SignedTx) (string, error) {
	pub, err := hex.DecodeString(signed.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", errors.New("invalid public key")
	}
	sig, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}
	if !ed25519.Verify(pub, signed.Tx.SigningBytes(), sig) {
		return "", errors.New("signature verification failed")
	}
	from := wallet.AddressFromPublicKey(pub)
	if !wallet.SameAddress(from, signed.Tx.From) {
		return "", errors.New("sender does not match signing key")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonces[from+"/"+signed.Tx.Nonce] {
		return "", errors.New("nonce already used")
	}
	f.nonces[from+"/"+signed.Tx.Nonce] = true

	switch signed.Tx.Method {
	case ledger.MethodRegisterUser:
		f.registerCalls++
		if len(signed.Tx.Args) != 1 {
			return "", errors.New("registerUser takes one argument")
		}
	case ledger.MethodUploadVideo:
		f.uploadCalls++
		if len(signed.Tx.Args) != 3 {
			return "", errors.New("uploadVideo takes three arguments")
		}
	default:
		return "", fmt.Errorf("unknown method %q", signed.Tx.Method)
	}
	return f.submitLocked(from, signed.Tx.Method, signed.Tx.Args), nil
}

func writeRPC(w http.ResponseWriter, id int64, result any, rpcErr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		body["error"] = rpcErr
	} else {
		body["result"] = result
	}
	_ = json.NewEncoder(w).Encode(body)
}
