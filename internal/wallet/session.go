// Package wallet acquires and holds the user's signing identity.
//
// A Provider stands in for the browser-injected wallet: it grants account
// access and hands out a Signer for the active account. Connect performs the
// handshake once; Manager keeps the single Session for the process lifetime
// and is the only writer of it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrWalletUnavailable = errors.New("wallet unavailable")
	ErrUserRejected      = errors.New("wallet access rejected")
	ErrNotConnected      = errors.New("wallet not connected")
)

type Signer interface {
	Address() string
	PublicKey() []byte
	Sign(payload []byte) ([]byte, error)
}

type Provider interface {
	// RequestAccounts asks the user for account access. Implementations
	// return ErrUserRejected when the user declines.
	RequestAccounts(ctx context.Context) ([]string, error)
	// Signer returns a signer for the active account.
	Signer(ctx context.Context) (Signer, error)
}

// Session is the resolved wallet identity. A Session value is never mutated
// after Connect returns it; disconnecting replaces it.
type Session struct {
	Address   string
	Signer    Signer
	Connected bool
}

// Ready reports ErrNotConnected unless the session can sign transactions.
func (s *Session) Ready() error {
	if s == nil || !s.Connected || s.Signer == nil {
		return ErrNotConnected
	}
	return nil
}

// Connect requests account access once and derives the session address from
// the returned signer. There is no polling: if the wallet later switches
// accounts the session keeps the address it was created with.
func Connect(ctx context.Context, p Provider) (*Session, error) {
	if p == nil {
		return nil, ErrWalletUnavailable
	}

	accounts, err := p.RequestAccounts(ctx)
	if err != nil {
		if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrWalletUnavailable) {
			return &Session{}, err
		}
		return &Session{}, fmt.Errorf("%w: request accounts: %v", ErrUserRejected, err)
	}
	if len(accounts) == 0 {
		return &Session{}, fmt.Errorf("%w: wallet reported no accounts", ErrUserRejected)
	}

	signer, err := p.Signer(ctx)
	if err != nil {
		return &Session{}, fmt.Errorf("%w: get signer: %v", ErrUserRejected, err)
	}

	return &Session{
		Address:   signer.Address(),
		Signer:    signer,
		Connected: true,
	}, nil
}

// Manager owns the process-wide Session.
type Manager struct {
	mu       sync.Mutex
	provider Provider
	session  *Session
}

func NewManager(p Provider) *Manager {
	return &Manager{provider: p, session: &Session{}}
}

// Connect returns the existing session when one is already connected, so a
// page-lifetime has exactly one handshake.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Connected {
		return m.session, nil
	}

	session, err := Connect(ctx, m.provider)
	if err != nil {
		m.session = &Session{}
		if errors.Is(err, ErrWalletUnavailable) {
			slog.Warn("wallet: no wallet available; install or configure a wallet to continue")
		} else {
			slog.Error("wallet: connect failed", "error", err)
		}
		return m.session, err
	}

	m.session = session
	slog.Info("wallet: connected", "address", session.Address)
	return session, nil
}

// Session returns the current session, which may be disconnected.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Disconnect models the user revoking access.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Connected {
		slog.Info("wallet: disconnected", "address", m.session.Address)
	}
	m.session = &Session{}
}
