package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallowproject/tallow/internal/certutil"
	"github.com/tallowproject/tallow/internal/config"
	"github.com/tallowproject/tallow/internal/errs"
	"github.com/tallowproject/tallow/internal/metrics"
	"github.com/tallowproject/tallow/internal/relay"
	"github.com/tallowproject/tallow/internal/transport"
)

func relayCmd() *cobra.Command {
	var (
		port            int
		maxRooms        int
		maxBytesPerRoom int64
		ttl             time.Duration
		certFile        string
		keyFile         string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a zero-knowledge relay server",
		Long: `Relay runs the TALLOW relay: a TLS listener that pairs CREATE_ROOM and
JOIN_ROOM connections by room code and then pumps bytes between the
two legs without ever decoding what crosses the wire. It never learns
session keys or plaintext.

On SIGTERM the relay stops accepting new rooms, closes existing ones,
and waits up to the configured relay.drain_timeout (default 30s) for
in-flight connections to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, port, maxRooms, maxBytesPerRoom, ttl, certFile, keyFile)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on (default from config, else 443)")
	cmd.Flags().IntVar(&maxRooms, "max-rooms", 0, "Maximum concurrent rooms (0 = unlimited)")
	cmd.Flags().Int64Var(&maxBytesPerRoom, "max-bytes-per-room", 0, "Per-room byte cap (0 = use default of 10 GiB)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Room time-to-live (0 = use default of 24h)")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file (generates a self-signed cert if omitted)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file (generates a self-signed cert if omitted)")

	return cmd
}

func runRelay(cmd *cobra.Command, port, maxRooms int, maxBytesPerRoom int64, ttl time.Duration, certFile, keyFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if port != 0 {
		cfg.Relay.Port = port
	}
	if maxRooms != 0 {
		cfg.Relay.MaxRooms = maxRooms
	}
	if maxBytesPerRoom != 0 {
		cfg.Relay.MaxBytesPerRoom = maxBytesPerRoom
	}
	if ttl != 0 {
		cfg.Relay.TTL = ttl
	}
	if certFile != "" {
		cfg.Relay.CertFile = certFile
	}
	if keyFile != "" {
		cfg.Relay.KeyFile = keyFile
	}

	tlsConfig, fingerprint, err := relayTLSConfig(cfg)
	if err != nil {
		return errs.Validation("relay: %w", err)
	}
	if fingerprint != "" {
		logger.Info("relay: TLS certificate", "fingerprint", fingerprint)
	}

	srv := relay.New(relay.Config{
		MaxRooms:        cfg.Relay.MaxRooms,
		MaxBytesPerRoom: cfg.Relay.MaxBytesPerRoom,
		TTL:             cfg.Relay.TTL,
		DrainTimeout:    cfg.Relay.DrainTimeout,
	}, logger, metrics.Default())

	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	logger.Info("relay: listening", "addr", addr, "max_rooms", cfg.Relay.MaxRooms, "max_bytes_per_room", cfg.Relay.MaxBytesPerRoom, "ttl", cfg.Relay.TTL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr, tlsConfig)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errs.Transport("relay: serve: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("relay: received signal, draining", "signal", sig.String())
		srv.Shutdown()
		return nil
	}
}

// relayCertRenewWindow governs how long before expiry
// relayTLSConfig regenerates a persisted self-signed certificate.
const relayCertRenewWindow = 14 * 24 * time.Hour

// relayTLSConfig loads the relay's TLS material from cfg. With no
// --cert/--key given, it persists a self-signed certificate under the
// agent data directory via certutil.LoadOrGenerateCert, so restarting
// the relay doesn't hand operators a new TLS fingerprint to
// redistribute every time: a convenience for self-hosted deployments,
// not a substitute for a certificate fronted by a real CA. It returns
// the certificate's fingerprint for the caller to log, or "" when an
// operator-supplied cert/key pair is used instead.
func relayTLSConfig(cfg *config.Config) (*tls.Config, string, error) {
	if cfg.Relay.CertFile != "" && cfg.Relay.KeyFile != "" {
		tlsConfig, err := transport.LoadTLSConfig(cfg.Relay.CertFile, cfg.Relay.KeyFile)
		return tlsConfig, "", err
	}

	certPath := filepath.Join(cfg.Agent.DataDir, "relay-cert.pem")
	keyPath := filepath.Join(cfg.Agent.DataDir, "relay-key.pem")
	cert, err := certutil.LoadOrGenerateCert(certPath, keyPath, certutil.DefaultServerOptions("tallow-relay"), relayCertRenewWindow)
	if err != nil {
		return nil, "", fmt.Errorf("load or generate self-signed relay certificate: %w", err)
	}
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		return nil, "", fmt.Errorf("pack self-signed relay certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{transport.DefaultALPNProtocol},
	}, cert.Fingerprint(), nil
}
