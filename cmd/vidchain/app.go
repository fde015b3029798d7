package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/config"
	"github.com/vidchain/vidchain/internal/database"
	"github.com/vidchain/vidchain/internal/identity"
	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/notify"
	"github.com/vidchain/vidchain/internal/pending"
	"github.com/vidchain/vidchain/internal/publish"
	"github.com/vidchain/vidchain/internal/slack"
	"github.com/vidchain/vidchain/internal/storage"
	"github.com/vidchain/vidchain/internal/wallet"
	"github.com/vidchain/vidchain/internal/webhook"
)

// app is the wired set of components shared by the daemon and the CLI commands.
type app struct {
	cfg       config.Config
	db        *database.DB
	metrics   *metrics.Metrics
	wallet    *wallet.Manager
	ledger    *ledger.Client
	store     storage.Store
	gateway   string
	registrar *identity.Registrar
	reader    *catalog.Reader
	publisher *publish.Publisher
}

func newApp(ctx context.Context, cfg config.Config, passphrase wallet.PassphraseFunc) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	provider, err := openProvider(cfg.WalletKeystore, passphrase)
	if err != nil {
		return nil, err
	}
	a.wallet = wallet.NewManager(provider)

	a.ledger = ledger.NewClient(ledger.Config{
		URL:             cfg.LedgerURL,
		ContractAddress: cfg.ContractAddress,
		CallTimeout:     cfg.CallTimeout,
		PollInterval:    cfg.ReceiptPollInterval,
	})

	a.store, a.gateway, err = newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var pendingStore pending.Store
	var deliveries database.DBTX
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		slog.Info("database migrations applied")
		a.db = db
		pendingStore = pending.NewPostgresStore(db.Pool)
		deliveries = db.Pool
	} else {
		slog.Info("no DATABASE_URL set, pending uploads are kept in memory")
		pendingStore = pending.NewMemoryStore()
	}

	var notifier publish.Notifier
	if announcers := newNotifier(cfg, deliveries); announcers.Len() > 0 {
		notifier = announcers
	}

	a.registrar = identity.NewRegistrar(a.ledger, a.metrics)
	a.reader = catalog.NewReader(a.ledger, a.metrics)
	a.publisher = publish.New(a.store, a.ledger, publish.Options{
		Pending:         pendingStore,
		Notifier:        notifier,
		Metrics:         a.metrics,
		FinalizeTimeout: cfg.FinalizeTimeout,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})
	return a, nil
}

func newNotifier(cfg config.Config, deliveries database.DBTX) *notify.Multi {
	var notifiers []publish.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, webhook.New(cfg.WebhookURL, cfg.WebhookSecret, deliveries))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(cfg.SlackWebhookURL))
	}
	return notify.NewMulti(notifiers...)
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// session connects the wallet, which decrypts the keystore on first use.
func (a *app) session(ctx context.Context) (*wallet.Session, error) {
	return a.wallet.Connect(ctx)
}

// openProvider returns a nil Provider when no keystore exists yet, so that
// connecting reports ErrWalletUnavailable instead of failing startup.
func openProvider(path string, passphrase wallet.PassphraseFunc) (wallet.Provider, error) {
	ks, err := wallet.OpenKeystore(path, passphrase)
	if errors.Is(err, wallet.ErrWalletUnavailable) {
		slog.Warn("wallet keystore not found; run `vidchain wallet init`", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, string, error) {
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "pinning":
		store := storage.NewPinningStore(storage.PinningConfig{
			Endpoint:   cfg.PinningURL,
			JWT:        cfg.PinningJWT,
			GatewayURL: cfg.GatewayURL,
		})
		return store, cfg.GatewayURL, nil
	case "s3":
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Region:         cfg.S3Region,
		})
		if err != nil {
			return nil, "", fmt.Errorf("storage initialization failed: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, "", fmt.Errorf("storage bucket check failed: %w", err)
		}
		slog.Info("storage bucket ready", "bucket", cfg.S3Bucket)
		return store, s3Gateway(cfg), nil
	default:
		return nil, "", fmt.Errorf("unknown STORE_BACKEND %q (want pinning or s3)", cfg.StoreBackend)
	}
}

func s3Gateway(cfg config.Config) string {
	public := cfg.S3Endpoint
	if cfg.S3PublicEndpoint != "" {
		public = cfg.S3PublicEndpoint
	}
	return strings.TrimRight(public, "/") + "/" + cfg.S3Bucket
}

// passphraseSource prefers WALLET_PASSPHRASE and otherwise asks on in.
func passphraseSource(cfg config.Config, in *bufio.Reader, out io.Writer) wallet.PassphraseFunc {
	if cfg.WalletPassphrase != "" {
		return wallet.StaticPassphrase(cfg.WalletPassphrase)
	}
	if in == nil {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return readLine(ctx, in, out, "Wallet passphrase: ")
	}
}

// usernamePrompt asks for a display name on in when the wallet is not registered yet.
func usernamePrompt(in *bufio.Reader, out io.Writer) identity.Prompter {
	return identity.PromptFunc(func(ctx context.Context) (string, error) {
		return readLine(ctx, in, out, "Choose a username: ")
	})
}

func readLine(ctx context.Context, in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
