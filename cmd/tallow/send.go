package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tallowproject/tallow/internal/device"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/peer"
	"github.com/tallowproject/tallow/internal/session"
	"github.com/tallowproject/tallow/internal/transport"
)

func sendCmd() *cobra.Command {
	var (
		relayURL string
		code     string
		password string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to a peer over a hybrid post-quantum encrypted channel",
		Long: `Send opens (or reserves) a room on a relay, prints a short room code, and
waits for a receiver to join with "tallow receive <code>". Once joined,
both sides run a PAKE handshake derived from the code, then a hybrid
post-quantum key exchange, before the file streams as authenticated,
resumable chunks.

Examples:
  # Send a file, letting the relay assign a room code
  tallow send ./report.pdf

  # Send with a chosen room code and an extra shared password
  tallow send --code K7N2P4 --password swordfish ./report.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], relayURL, code, password, quiet)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "Relay address (host:port); overrides RELAY_URL / config")
	cmd.Flags().StringVar(&code, "code", "", "Request a specific room code instead of a relay-assigned one")
	cmd.Flags().StringVar(&password, "password", "", "Additional shared secret mixed into the PAKE handshake")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress bar")

	return cmd
}

func runSend(cmd *cobra.Command, path, relayURL, code, password string, quiet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	info, err := os.Stat(path)
	if err != nil {
		return errs.Validation("send: cannot access %s: %w", path, err)
	}
	if info.IsDir() {
		return errs.Validation("send: %s is a directory, not a file", path)
	}

	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}
	if relayURL == "" {
		return errs.Validation("send: no relay address given (use --relay or set RELAY_URL)")
	}

	localID, _, err := device.LoadOrCreate(cfg.Agent.DataDir)
	if err != nil {
		return errs.Storage("send: load device identity: %w", err)
	}
	signing, _, err := device.LoadOrCreateSigningKeypair(cfg.Agent.DataDir)
	if err != nil {
		return errs.Storage("send: load signing keypair: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt := transport.NewRelayTransport(relayURL, nil)
	dialOpts := transport.DialOptions{Timeout: 10 * time.Second}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialOpts.Timeout)
	roomCode, pc, err := rt.CreateRoom(dialCtx, code, dialOpts)
	dialCancel()
	if err != nil {
		return errs.Transport("send: create room: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), roomCodeStyle.Render(roomCode))
	fmt.Fprintf(cmd.OutOrStdout(), "Waiting for receiver to run: tallow receive %s\n", roomCode)

	handshaker := peer.NewHandshaker(localID, signing, handshakeTimeout)
	conn, err := handshaker.AcceptHandshake(ctx, pc, pakeSecret(roomCode, password))
	if err != nil {
		pc.Close()
		if e, ok := errs.As(err); ok && e.Kind == errs.KindAuthentication {
			fmt.Fprintln(cmd.ErrOrStderr(), "authentication failed")
		}
		return err
	}
	defer conn.Close()

	logger.Info("handshake complete", "peer", conn.RemoteID.ShortString(), "rtt", conn.RTT())

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.DefaultBytes(info.Size(), "sending "+filepath.Base(path))
	}

	opts := session.SendOptions{
		OnProgress: func(p session.Progress) {
			if bar != nil {
				bar.Set64(p.BytesDone)
			}
		},
	}

	if err := session.SendFile(ctx, conn, path, opts); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (%s) to %s\n", filepath.Base(path), humanize.Bytes(uint64(info.Size())), conn.RemoteID.ShortString())
	return nil
}

// roomCodeStyle highlights the room code the user reads aloud or pastes
// to the other side, the one piece of output that matters most in a
// terminal full of log lines.
var roomCodeStyle = lipgloss.NewStyle().
	Bold(true).
	Padding(0, 1).
	Foreground(lipgloss.Color("15")).
	Background(lipgloss.Color("23"))

// handshakeTimeout bounds the wait for the other side to join the room
// and complete the PAKE/KEM exchange. Unlike the reconnect path's
// handshake timeout (peer.DefaultManagerConfig's 10s, tuned for an
// already-rendezvoused dial), the CLI's first handshake waits on a
// human typing in a room code, so it gets a much longer allowance.
const handshakeTimeout = 10 * time.Minute

// signalContext returns a context cancelled on SIGINT/SIGTERM, for the
// send/receive commands' single-transfer lifetime.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// pakeSecret combines the relay room code with an optional extra
// password into the single secret fed to the PAKE handshake: the code
// alone determines which peers land in the same relay room, but a
// mismatched --password still causes the PAKE confirmation to fail
// (spec.md §8 scenario 4) without either side's typo changing which
// room they joined.
func pakeSecret(code, password string) string {
	if password == "" {
		return code
	}
	return code + "\x00" + password
}
