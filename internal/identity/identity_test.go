package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/ledger/ledgertest"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/wallet"
)

func testSession(b byte) *wallet.Session {
	signer := wallet.NewKeySigner(bytes.Repeat([]byte{b}, 32))
	return &wallet.Session{Address: signer.Address(), Signer: signer, Connected: true}
}

type countingPrompt struct {
	name  string
	err   error
	calls atomic.Int32
}

func (p *countingPrompt) PromptUsername(context.Context) (string, error) {
	p.calls.Add(1)
	return p.name, p.err
}

func TestResolveAlreadyRegistered(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(1)
	fake.SetUser(session.Address, "alice")
	r := NewRegistrar(fake, nil)
	prompt := &countingPrompt{name: "ignored"}

	for i := 0; i < 2; i++ {
		res, err := r.Resolve(context.Background(), session, prompt)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if res.State != Registered || res.Identity.Username != "alice" {
			t.Errorf("resolve %d: unexpected result %+v", i, res)
		}
	}
	if fake.RegisterCalls() != 0 {
		t.Errorf("expected no registration transactions, got %d", fake.RegisterCalls())
	}
	if prompt.calls.Load() != 0 {
		t.Errorf("registered users must not be prompted, got %d prompts", prompt.calls.Load())
	}
}

func TestResolveRegistersUnregisteredUser(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(2)
	m := metrics.New()
	r := NewRegistrar(fake, m)

	res, err := r.Resolve(context.Background(), session, StaticPrompt("  bob  "))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != Registered || res.Identity.Username != "bob" {
		t.Fatalf("unexpected result %+v", res)
	}
	if fake.RegisterCalls() != 1 {
		t.Errorf("expected one registration, got %d", fake.RegisterCalls())
	}
	// Checking before and after registration.
	if fake.GetUserCalls() != 2 {
		t.Errorf("expected two lookups, got %d", fake.GetUserCalls())
	}
	if r.State(session.Address) != Registered {
		t.Errorf("expected Registered state, got %v", r.State(session.Address))
	}

	res, err = r.Resolve(context.Background(), session, StaticPrompt("other"))
	if err != nil || res.State != Registered {
		t.Fatalf("second resolve: %+v, %v", res, err)
	}
	if fake.RegisterCalls() != 1 {
		t.Errorf("second resolve must not register again, got %d", fake.RegisterCalls())
	}
}

func TestResolveEmptyUsername(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(3)
	r := NewRegistrar(fake, nil)

	res, err := r.Resolve(context.Background(), session, StaticPrompt("   "))
	if !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("expected ErrEmptyUsername, got %v", err)
	}
	if res.State != Unregistered {
		t.Errorf("expected Unregistered, got %v", res.State)
	}
	if fake.RegisterCalls() != 0 {
		t.Error("empty username must not reach the ledger")
	}
}

func TestResolvePromptsAgainAfterAbort(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(4)
	r := NewRegistrar(fake, nil)
	prompt := &countingPrompt{name: ""}

	_, _ = r.Resolve(context.Background(), session, prompt)
	_, _ = r.Resolve(context.Background(), session, prompt)
	if prompt.calls.Load() != 2 {
		t.Errorf("expected a prompt on each resolution, got %d", prompt.calls.Load())
	}
}

func TestResolveNilPromptIsEmptyUsername(t *testing.T) {
	r := NewRegistrar(ledgertest.New(), nil)
	_, err := r.Resolve(context.Background(), testSession(5), nil)
	if !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("expected ErrEmptyUsername, got %v", err)
	}
}

func TestResolveUsernameTooLong(t *testing.T) {
	r := NewRegistrar(ledgertest.New(), nil)
	_, err := r.Resolve(context.Background(), testSession(6), StaticPrompt(strings.Repeat("x", MaxUsernameLength+1)))
	if !errors.Is(err, ErrUsernameTooLong) {
		t.Fatalf("expected ErrUsernameTooLong, got %v", err)
	}
}

func TestResolveLedgerQueryFailure(t *testing.T) {
	fake := ledgertest.New()
	fake.GetUserErr = errors.New("rpc down")
	r := NewRegistrar(fake, nil)
	prompt := &countingPrompt{name: "dave"}

	res, err := r.Resolve(context.Background(), testSession(7), prompt)
	if !errors.Is(err, ledger.ErrLedgerQuery) {
		t.Fatalf("expected ErrLedgerQuery, got %v", err)
	}
	if res.State != Unregistered {
		t.Errorf("expected Unregistered, got %v", res.State)
	}
	if prompt.calls.Load() != 0 {
		t.Error("should not prompt when the lookup failed")
	}
}

func TestResolveRegistrationFailureLeavesUnregistered(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *ledgertest.Fake)
	}{
		{"submit fails", func(f *ledgertest.Fake) { f.RegisterErr = errors.New("insufficient funds") }},
		{"finalization fails", func(f *ledgertest.Fake) { f.WaitErr = errors.New("dropped from mempool") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := ledgertest.New()
			tt.setup(fake)
			session := testSession(8)
			r := NewRegistrar(fake, nil)

			res, err := r.Resolve(context.Background(), session, StaticPrompt("erin"))
			if !errors.Is(err, ledger.ErrLedgerCommit) {
				t.Fatalf("expected ErrLedgerCommit, got %v", err)
			}
			if res.State != Unregistered || r.State(session.Address) != Unregistered {
				t.Errorf("expected Unregistered, got %v / %v", res.State, r.State(session.Address))
			}
		})
	}
}

func TestResolveRequiresConnectedSession(t *testing.T) {
	r := NewRegistrar(ledgertest.New(), nil)
	res, err := r.Resolve(context.Background(), &wallet.Session{}, StaticPrompt("x"))
	if !errors.Is(err, wallet.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if res.State != Unresolved {
		t.Errorf("expected Unresolved, got %v", res.State)
	}
}

type blockingPrompt struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPrompt) PromptUsername(ctx context.Context) (string, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "frank", nil
}

func TestConcurrentResolveRegistersOnce(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(9)
	r := NewRegistrar(fake, nil)

	first := &blockingPrompt{entered: make(chan struct{}), release: make(chan struct{})}
	second := &countingPrompt{name: "frank-again"}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = r.Resolve(context.Background(), session, first)
	}()
	<-first.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = r.Resolve(context.Background(), session, second)
	}()
	time.Sleep(20 * time.Millisecond)
	close(first.release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if results[i].State != Registered || results[i].Identity.Username != "frank" {
			t.Errorf("resolve %d: unexpected result %+v", i, results[i])
		}
	}
	if fake.RegisterCalls() != 1 {
		t.Errorf("expected exactly one registration transaction, got %d", fake.RegisterCalls())
	}
	if second.calls.Load() != 0 {
		t.Errorf("second caller must not be prompted, got %d", second.calls.Load())
	}
}

func TestResolveSurvivesFirstCallerCancelling(t *testing.T) {
	fake := ledgertest.New()
	session := testSession(11)
	r := NewRegistrar(fake, nil)
	prompt := &blockingPrompt{entered: make(chan struct{}), release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, session, prompt)
		firstErr <- err
	}()
	<-prompt.entered

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(context.Background(), session, &countingPrompt{name: "ignored"})
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to get context.Canceled, got %v", err)
	}

	close(prompt.release)
	got := <-second
	if got.err != nil {
		t.Fatalf("joined caller failed: %v", got.err)
	}
	if got.res.State != Registered || got.res.Identity.Username != "frank" {
		t.Errorf("unexpected result %+v", got.res)
	}
	if fake.RegisterCalls() != 1 {
		t.Errorf("expected one registration, got %d", fake.RegisterCalls())
	}
}

func TestResolveIsBoundedByTimeout(t *testing.T) {
	r := NewRegistrar(ledgertest.New(), nil)
	r.timeout = 20 * time.Millisecond
	prompt := &blockingPrompt{entered: make(chan struct{}), release: make(chan struct{})}

	_, err := r.Resolve(context.Background(), testSession(12), prompt)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCheckDoesNotRegister(t *testing.T) {
	fake := ledgertest.New()
	r := NewRegistrar(fake, nil)
	res, err := r.Check(context.Background(), testSession(10))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Unregistered {
		t.Errorf("expected Unregistered, got %v", res.State)
	}
	if fake.RegisterCalls() != 0 {
		t.Error("Check must not register")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		Unresolved:   "unresolved",
		Checking:     "checking",
		Registered:   "registered",
		Unregistered: "unregistered",
		Registering:  "registering",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), name)
		}
	}
}
