package wallet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndOpenKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")

	address, err := CreateKeystore(path, "correct horse", nil)
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	if !ValidAddress(address) {
		t.Fatalf("expected a valid address, got %q", address)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	ks, err := OpenKeystore(path, StaticPassphrase("correct horse"))
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	if ks.Address() != address {
		t.Errorf("expected address %s, got %s", address, ks.Address())
	}

	session, err := Connect(context.Background(), ks)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.Address != address {
		t.Errorf("expected session address %s, got %s", address, session.Address)
	}

	payload := []byte("registerUser")
	sig, err := session.Signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(session.Signer.PublicKey(), payload, sig) {
		t.Error("signature does not verify")
	}
}

func TestKeystoreDoesNotStorePlaintextSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	seed := bytes.Repeat([]byte{0xAB}, 32)
	if _, err := CreateKeystore(path, "pw", bytes.NewReader(append(seed, bytes.Repeat([]byte{1}, 64)...))); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("abababababababab")) {
		t.Error("keystore file contains the plaintext seed")
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	if _, err := CreateKeystore(path, "right", nil); err != nil {
		t.Fatal(err)
	}
	ks, err := OpenKeystore(path, StaticPassphrase("wrong"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = Connect(context.Background(), ks)
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
}

func TestKeystorePassphraseDeclined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	if _, err := CreateKeystore(path, "right", nil); err != nil {
		t.Fatal(err)
	}
	declined := func(context.Context) (string, error) { return "", errors.New("prompt dismissed") }
	ks, err := OpenKeystore(path, declined)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.RequestAccounts(context.Background()); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
}

func TestOpenMissingKeystore(t *testing.T) {
	_, err := OpenKeystore(filepath.Join(t.TempDir(), "absent.json"), StaticPassphrase("x"))
	if !errors.Is(err, ErrWalletUnavailable) {
		t.Fatalf("expected ErrWalletUnavailable, got %v", err)
	}
}

func TestCreateKeystoreRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	if _, err := CreateKeystore(path, "pw", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateKeystore(path, "pw", nil); err == nil {
		t.Fatal("expected error when keystore already exists")
	}
}

func TestCreateKeystoreRequiresPassphrase(t *testing.T) {
	if _, err := CreateKeystore(filepath.Join(t.TempDir(), "w.json"), "", nil); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestSignerBeforeRequestAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	if _, err := CreateKeystore(path, "pw", nil); err != nil {
		t.Fatal(err)
	}
	ks, err := OpenKeystore(path, StaticPassphrase("pw"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Signer(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
