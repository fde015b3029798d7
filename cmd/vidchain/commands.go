package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/identity"
	"github.com/vidchain/vidchain/internal/pending"
	"github.com/vidchain/vidchain/internal/publish"
	"github.com/vidchain/vidchain/internal/wallet"
)

// withApp wires the components for a one-shot CLI command. Prompts read
// from the command's stdin.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, in *bufio.Reader) error) error {
	cfg := loadConfig()
	in := bufio.NewReader(cmd.InOrStdin())
	a, err := newApp(cmd.Context(), cfg, passphraseSource(cfg, in, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, in)
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the local wallet keystore",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new encrypted keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			path := cfg.WalletKeystore
			if force {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove old keystore: %w", err)
				}
			}
			pass := cfg.WalletPassphrase
			if pass == "" {
				var err error
				in := bufio.NewReader(cmd.InOrStdin())
				pass, err = readLine(cmd.Context(), in, cmd.ErrOrStderr(), "New wallet passphrase: ")
				if err != nil {
					return err
				}
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create keystore directory: %w", err)
				}
			}
			address, err := wallet.CreateKeystore(path, pass, rand.Reader)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created wallet %s\nKeystore: %s\n", address, path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing keystore")

	cmd.AddCommand(initCmd)
	return cmd
}

func whoamiCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the connected address and its username, registering one if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, in *bufio.Reader) error {
				session, err := a.session(ctx)
				if err != nil {
					return err
				}
				var res identity.Result
				if checkOnly {
					res, err = a.registrar.Check(ctx, session)
				} else {
					res, err = a.registrar.Resolve(ctx, session, usernamePrompt(in, cmd.ErrOrStderr()))
				}
				if err != nil {
					return err
				}
				writeIdentity(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "only look the address up, never register")
	return cmd
}

func publishCmd() *cobra.Command {
	var title, description string

	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Upload a video and record it on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open video: %w", err)
			}
			defer f.Close()

			return withApp(cmd, func(ctx context.Context, a *app, _ *bufio.Reader) error {
				session, err := a.session(ctx)
				if err != nil {
					return err
				}
				res, err := a.publisher.Publish(ctx, session, publish.Upload{
					File:        f,
					Filename:    filepath.Base(args[0]),
					Title:       title,
					Description: description,
				})
				if err != nil {
					return commitHint(err, a.db != nil, title, description)
				}
				writeResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "video title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "video description")
	return cmd
}

func commitCmd() *cobra.Command {
	var title, description string

	cmd := &cobra.Command{
		Use:   "commit HASH",
		Short: "Retry the ledger commit for an uploaded but unrecorded video",
		Long: `commit records already stored content on the ledger without uploading it
again. Without flags it uses the title and description saved when the
upload's commit failed, which requires DATABASE_URL to persist between runs.
With --title and --description it commits the content hash directly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, _ *bufio.Reader) error {
				session, err := a.session(ctx)
				if err != nil {
					return err
				}
				res, err := commitStored(ctx, a.publisher, session, args[0], title, description)
				if err != nil {
					return commitHint(err, a.db != nil, title, description)
				}
				writeResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "video title, commits the hash directly")
	cmd.Flags().StringVarP(&description, "description", "d", "", "video description, commits the hash directly")
	return cmd
}

// commitStored commits content that is already in the store. Given a title
// or description it commits them as-is; otherwise it retries the pending
// upload recorded for the session address.
func commitStored(ctx context.Context, p *publish.Publisher, session *wallet.Session, contentHash, title, description string) (publish.Result, error) {
	if title != "" || description != "" {
		return p.Commit(ctx, session, publish.Draft{ContentHash: contentHash, Title: title, Description: description})
	}
	res, err := p.Retry(ctx, session, contentHash)
	if errors.Is(err, pending.ErrNotFound) {
		return publish.Result{}, fmt.Errorf("%w: pass --title and --description to commit %s directly", err, contentHash)
	}
	return res, err
}

func pendingCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List uploads whose ledger commit has not succeeded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, _ *bufio.Reader) error {
				owner := ""
				if !all {
					session, err := a.session(ctx)
					if err != nil {
						return err
					}
					owner = session.Address
				}
				uploads, err := a.publisher.Pending(ctx, owner)
				if err != nil {
					return err
				}
				if a.db == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "note: DATABASE_URL is not set; pending uploads do not survive between runs")
				}
				writePending(cmd.OutOrStdout(), uploads)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list uploads from every address")
	return cmd
}

func videosCmd() *cobra.Command {
	var mine bool

	cmd := &cobra.Command{
		Use:   "videos",
		Short: "List every published video",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, _ *bufio.Reader) error {
				videos, err := a.reader.FetchAll(ctx)
				if err != nil {
					return err
				}
				if mine {
					session, err := a.session(ctx)
					if err != nil {
						return err
					}
					videos = catalog.ByOwner(videos, session.Address)
				}
				writeVideos(cmd.OutOrStdout(), videos, a.gateway)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&mine, "mine", false, "only videos uploaded by the connected wallet")
	return cmd
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "Find videos whose title or description contains every word of QUERY",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, _ *bufio.Reader) error {
				videos, err := a.reader.FetchAll(ctx)
				if err != nil {
					return err
				}
				writeVideos(cmd.OutOrStdout(), catalog.Search(videos, joinArgs(args)), a.gateway)
				return nil
			})
		},
	}
}

// commitHint points at `vidchain commit` when the upload landed but the
// ledger commit did not. Without a persistent pending store the retry has to
// carry the title and description itself.
func commitHint(err error, persistent bool, title, description string) error {
	var ce *publish.CommitError
	if !errors.As(err, &ce) {
		return err
	}
	retry := "vidchain commit " + ce.ContentHash
	if !persistent {
		retry += " --title " + shellQuote(title) + " --description " + shellQuote(description)
	}
	return fmt.Errorf("%w\nthe file is stored as %s; retry with: %s", err, ce.ContentHash, retry)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeIdentity(w io.Writer, res identity.Result) {
	fmt.Fprintf(w, "Address:  %s\n", res.Identity.Address)
	if res.Identity.Username != "" {
		fmt.Fprintf(w, "Username: %s\n", res.Identity.Username)
	}
	fmt.Fprintf(w, "State:    %s\n", res.State)
}

func writeResult(w io.Writer, res publish.Result) {
	if res.VideoID != "" {
		fmt.Fprintf(w, "Video ID:     %s\n", res.VideoID)
	}
	fmt.Fprintf(w, "Content hash: %s\n", res.ContentHash)
	fmt.Fprintf(w, "Transaction:  %s\n", res.TxHash)
	fmt.Fprintf(w, "URL:          %s\n", res.URL)
}
