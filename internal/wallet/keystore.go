package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	keystoreVersion = 1
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	saltSize        = 16
)

// keystoreFile is the on-disk form of an encrypted wallet. Only the seed is
// encrypted; the address is kept in the clear so the file can be identified.
type keystoreFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

// PassphraseFunc supplies the keystore passphrase, typically by prompting the user.
type PassphraseFunc func(ctx context.Context) (string, error)

// StaticPassphrase returns a PassphraseFunc that always answers with p.
func StaticPassphrase(p string) PassphraseFunc {
	return func(context.Context) (string, error) { return p, nil }
}

// Keystore is a Provider backed by an encrypted seed file. The decrypted key
// only lives in memory.
type Keystore struct {
	file       keystoreFile
	passphrase PassphraseFunc

	mu     sync.Mutex
	signer *KeySigner
}

// OpenKeystore loads the keystore at path. A missing file is reported as
// ErrWalletUnavailable.
func OpenKeystore(path string, passphrase PassphraseFunc) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: keystore %s not found", ErrWalletUnavailable, path)
		}
		return nil, fmt.Errorf("read keystore %s: %w", path, err)
	}

	var f keystoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", path, err)
	}
	if f.Version != keystoreVersion || f.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported keystore version %d (kdf %q)", f.Version, f.KDF)
	}
	return &Keystore{file: f, passphrase: passphrase}, nil
}

func (k *Keystore) RequestAccounts(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.signer != nil {
		return []string{k.signer.Address()}, nil
	}
	if k.passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase source", ErrUserRejected)
	}
	pass, err := k.passphrase(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
	}

	seed, err := decryptSeed(k.file, pass)
	if err != nil {
		return nil, err
	}
	signer := NewKeySigner(seed)
	if !SameAddress(signer.Address(), k.file.Address) {
		return nil, fmt.Errorf("keystore address mismatch: file says %s, key derives %s", k.file.Address, signer.Address())
	}
	k.signer = signer
	return []string{signer.Address()}, nil
}

func (k *Keystore) Signer(context.Context) (Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.signer == nil {
		return nil, ErrNotConnected
	}
	return k.signer, nil
}

// Address returns the address recorded in the keystore file without decrypting it.
func (k *Keystore) Address() string {
	return k.file.Address
}

// CreateKeystore generates a fresh key, encrypts its seed with passphrase and
// writes it to path. An existing file is never overwritten.
func CreateKeystore(path, passphrase string, random io.Reader) (string, error) {
	if passphrase == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	if random == nil {
		random = rand.Reader
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	address := NewKeySigner(seed).Address()

	f, err := encryptSeed(seed, address, passphrase, random)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal keystore: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create keystore dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create keystore %s: %w", path, err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write keystore %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close keystore %s: %w", path, err)
	}
	return address, nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}

func encryptSeed(seed []byte, address, passphrase string, random io.Reader) (keystoreFile, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return keystoreFile{}, fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return keystoreFile{}, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return keystoreFile{}, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return keystoreFile{}, fmt.Errorf("generate nonce: %w", err)
	}

	return keystoreFile{
		Version:    keystoreVersion,
		Address:    address,
		KDF:        "scrypt",
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(aead.Seal(nil, nonce, seed, []byte(address))),
	}, nil
}

func decryptSeed(f keystoreFile, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(f.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := hex.DecodeString(f.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	seed, err := aead.Open(nil, nonce, sealed, []byte(f.Address))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase", ErrUserRejected)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decrypted seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}
