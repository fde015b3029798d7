// Package identity resolves whether the connected wallet has a registered
// display name and drives first-time registration.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/validate"
	"github.com/vidchain/vidchain/internal/wallet"
)

const MaxUsernameLength = validate.MaxUsernameLength

// resolveTimeout bounds a shared resolution, including the prompt and the
// wait for the registration to finalize.
const resolveTimeout = 10 * time.Minute

var (
	ErrEmptyUsername   = errors.New("username cannot be empty")
	ErrUsernameTooLong = fmt.Errorf("username must be %d characters or fewer", MaxUsernameLength)
)

type State int

const (
	Unresolved State = iota
	Checking
	Registered
	Unregistered
	Registering
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	default:
		return "unresolved"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Identity is derived from the ledger on every resolution and never cached.
type Identity struct {
	Address  string `json:"address"`
	Username string `json:"username,omitempty"`
}

type Result struct {
	State    State    `json:"state"`
	Identity Identity `json:"identity"`
}

// Prompter asks the user for a display name. It blocks until the user answers.
type Prompter interface {
	PromptUsername(ctx context.Context) (string, error)
}

type PromptFunc func(ctx context.Context) (string, error)

func (f PromptFunc) PromptUsername(ctx context.Context) (string, error) { return f(ctx) }

// StaticPrompt answers every prompt with name.
func StaticPrompt(name string) Prompter {
	return PromptFunc(func(context.Context) (string, error) { return name, nil })
}

type Ledger interface {
	GetUser(ctx context.Context, address string) (string, error)
	RegisterUser(ctx context.Context, signer wallet.Signer, name string) (ledger.Transaction, error)
}

// Registrar runs the registration state machine. Concurrent resolutions for
// the same address share one execution, so at most one registration
// transaction is in flight per address.
type Registrar struct {
	ledger  Ledger
	metrics *metrics.Metrics
	group   singleflight.Group
	timeout time.Duration

	mu     sync.Mutex
	states map[string]State
}

func NewRegistrar(l Ledger, m *metrics.Metrics) *Registrar {
	return &Registrar{ledger: l, metrics: m, timeout: resolveTimeout, states: make(map[string]State)}
}

// State returns the last observed state for address.
func (r *Registrar) State(address string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[strings.ToLower(address)]
}

func (r *Registrar) setState(address string, s State) {
	r.mu.Lock()
	r.states[strings.ToLower(address)] = s
	r.mu.Unlock()
}

// Check queries the ledger without prompting or registering.
func (r *Registrar) Check(ctx context.Context, session *wallet.Session) (Result, error) {
	if err := session.Ready(); err != nil {
		return Result{State: Unresolved}, err
	}
	res, err := r.check(ctx, session.Address)
	r.setState(session.Address, res.State)
	return res, err
}

// Resolve checks the connected address and, when it is unregistered, prompts
// for a name and registers it. Callers that join an in-flight resolution for
// the same address receive its result; their prompter is not used.
//
// The shared resolution does not inherit ctx, so the caller that started it
// going away does not fail it for the others. ctx only bounds this caller's
// wait for the result.
func (r *Registrar) Resolve(ctx context.Context, session *wallet.Session, prompt Prompter) (Result, error) {
	if err := session.Ready(); err != nil {
		return Result{State: Unresolved}, err
	}

	key := strings.ToLower(session.Address)
	ch := r.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolve(runCtx, session, prompt)
	})

	select {
	case out := <-ch:
		res := out.Val.(Result)
		if out.Shared {
			slog.Debug("identity: joined in-flight resolution", "address", session.Address)
		}
		r.metrics.ObserveResolution(res.State.String())
		return res, out.Err
	case <-ctx.Done():
		return Result{State: r.State(session.Address), Identity: Identity{Address: session.Address}}, ctx.Err()
	}
}

func (r *Registrar) resolve(ctx context.Context, session *wallet.Session, prompt Prompter) (Result, error) {
	address := session.Address

	res, err := r.check(ctx, address)
	if err != nil || res.State == Registered {
		r.setState(address, res.State)
		return res, err
	}
	r.setState(address, Unregistered)

	name, err := askName(ctx, prompt)
	if err != nil {
		slog.Warn("identity: registration aborted", "address", address, "error", err)
		return res, err
	}

	r.setState(address, Registering)
	tx, err := r.ledger.RegisterUser(ctx, session.Signer, name)
	if err != nil {
		slog.Error("identity: register user failed", "address", address, "error", err)
		r.setState(address, Unregistered)
		return res, err
	}
	if _, err := tx.Wait(ctx); err != nil {
		slog.Error("identity: registration not finalized", "address", address, "tx", tx.Hash(), "error", err)
		r.setState(address, Unregistered)
		return res, err
	}
	slog.Info("identity: user registered", "address", address, "tx", tx.Hash())

	res, err = r.check(ctx, address)
	if err == nil && res.State != Registered {
		err = fmt.Errorf("%w: registration of %s not visible after finalization", ledger.ErrLedgerQuery, address)
	}
	r.setState(address, res.State)
	return res, err
}

func (r *Registrar) check(ctx context.Context, address string) (Result, error) {
	r.setState(address, Checking)

	unregistered := Result{State: Unregistered, Identity: Identity{Address: address}}
	name, err := r.ledger.GetUser(ctx, address)
	if err != nil {
		slog.Error("identity: user lookup failed", "address", address, "error", err)
		return unregistered, err
	}
	if name == "" {
		return unregistered, nil
	}
	return Result{State: Registered, Identity: Identity{Address: address, Username: name}}, nil
}

func askName(ctx context.Context, prompt Prompter) (string, error) {
	if prompt == nil {
		return "", ErrEmptyUsername
	}
	name, err := prompt.PromptUsername(ctx)
	if err != nil {
		return "", fmt.Errorf("prompt for username: %w", err)
	}
	return ValidateUsername(name)
}

// ValidateUsername trims name and enforces the display name rules.
func ValidateUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyUsername
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
