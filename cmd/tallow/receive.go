package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/peer"
	"github.com/tallowproject/tallow/internal/session"
	"github.com/tallowproject/tallow/internal/transferstore"
	"github.com/tallowproject/tallow/internal/transport"
)

func receiveCmd() *cobra.Command {
	var (
		relayURL string
		password string
		outPath  string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "receive <code>",
		Short: "Receive a file using a room code printed by the sender",
		Long: `Receive joins the room named by code on a relay, runs the same PAKE and
hybrid post-quantum handshake as the sender, and writes the resulting
file into --out (default: current directory).

Examples:
  tallow receive K7N2P4
  tallow receive K7N2P4 --password swordfish --out ./downloads`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd, args[0], relayURL, password, outPath, quiet)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "Relay address (host:port); overrides RELAY_URL / config")
	cmd.Flags().StringVar(&password, "password", "", "Additional shared secret mixed into the PAKE handshake")
	cmd.Flags().StringVar(&outPath, "out", "", "Directory to write the received file into (default: current directory)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress bar")

	return cmd
}

func runReceive(cmd *cobra.Command, code, relayURL, password, outPath string, quiet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}
	if relayURL == "" {
		return errs.Validation("receive: no relay address given (use --relay or set RELAY_URL)")
	}
	if outPath == "" {
		outPath, err = os.Getwd()
		if err != nil {
			return errs.Storage("receive: resolve working directory: %w", err)
		}
	}
	if err := os.MkdirAll(outPath, 0700); err != nil {
		return errs.Storage("receive: create output directory %s: %w", outPath, err)
	}

	localID, _, err := device.LoadOrCreate(cfg.Agent.DataDir)
	if err != nil {
		return errs.Storage("receive: load device identity: %w", err)
	}
	signing, _, err := device.LoadOrCreateSigningKeypair(cfg.Agent.DataDir)
	if err != nil {
		return errs.Storage("receive: load signing keypair: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt := transport.NewRelayTransport(relayURL, nil)
	dialOpts := transport.DialOptions{Timeout: 10 * time.Second}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialOpts.Timeout)
	pc, err := rt.Dial(dialCtx, code, dialOpts)
	dialCancel()
	if err != nil {
		return errs.Transport("receive: join room %s: %w", code, err)
	}

	handshaker := peer.NewHandshaker(localID, signing, handshakeTimeout)
	conn, err := handshaker.AcceptHandshake(ctx, pc, pakeSecret(code, password))
	if err != nil {
		pc.Close()
		if e, ok := errs.As(err); ok && e.Kind == errs.KindAuthentication {
			fmt.Fprintln(cmd.ErrOrStderr(), "authentication failed")
		}
		return err
	}
	defer conn.Close()

	logger.Info("handshake complete", "peer", conn.RemoteID.ShortString(), "rtt", conn.RTT())

	storePath := filepath.Join(cfg.Agent.DataDir, "transfers.db")
	store, err := transferstore.Open(storePath)
	if err != nil {
		return errs.Storage("receive: open transfer store: %w", err)
	}
	defer store.Close()

	var bar *progressbar.ProgressBar
	opts := session.ReceiveOptions{
		OutDir:           outPath,
		Store:            store,
		ConfirmOverwrite: confirmOverwrite(quiet),
		OnProgress: func(p session.Progress) {
			if quiet {
				return
			}
			if bar == nil {
				bar = progressbar.DefaultBytes(p.TotalBytes, "receiving")
			}
			bar.Set64(p.BytesDone)
		},
	}

	written, err := session.ReceiveFile(ctx, conn, opts)
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	info, statErr := os.Stat(written)
	size := int64(0)
	if statErr == nil {
		size = info.Size()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Received %s (%s) from %s\n", written, humanize.Bytes(uint64(size)), conn.RemoteID.ShortString())
	return nil
}

// confirmOverwrite returns a session.ReceiveOptions.ConfirmOverwrite
// callback that asks the user interactively, unless quiet suppresses
// prompts (in which case the transfer proceeds and overwrites, matching
// --quiet's "don't wait on me" contract).
func confirmOverwrite(quiet bool) func(path string) bool {
	if quiet {
		return nil
	}
	return func(path string) bool {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Affirmative("Overwrite").
			Negative("Cancel").
			Value(&overwrite).
			Run()
		if err != nil {
			return false
		}
		return overwrite
	}
}
