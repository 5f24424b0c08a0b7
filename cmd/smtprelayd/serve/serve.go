/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/internal/ipc"
	"stash.kopano.io/kgol/smtprelay/relay"
	"stash.kopano.io/kgol/smtprelay/server"
	"stash.kopano.io/kgol/smtprelay/version"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp  = true
	DefaultLogLevel      = "info"
	DefaultSystemdNotify = false

	DefaultPort      = 25
	DefaultPublic    = false
	DefaultDomain    = os.Getenv("SMTPRELAYD_DEFAULT_DOMAIN")
	DefaultRulesPath = "relayers.json"

	DefaultRulesReloadInterval = 30 * time.Second
	DefaultConnectTimeout      = relay.DefaultConnectTimeout
	DefaultDeliveryTimeout     = relay.DefaultDeliveryTimeout
	DefaultShutdownTimeout     = server.DefaultShutdownTimeout
	DefaultHeloHostname        = os.Getenv("SMTPRELAYD_DEFAULT_HELO_HOSTNAME")

	DefaultAuthUsername = os.Getenv("SMTPRELAYD_DEFAULT_AUTH_USERNAME")
	DefaultAuthPassword = os.Getenv("SMTPRELAYD_DEFAULT_AUTH_PASSWORD")
	DefaultRequireAuth  = false

	DefaultMaxMessageBytes = server.DefaultMaxMessageBytes
	DefaultMaxRecipients   = server.DefaultMaxRecipients

	DefaultWithStartTLS = false
	DefaultStatePath    = os.Getenv("SMTPRELAYD_DEFAULT_STATE_PATH")

	DefaultMetricsListenAddr = os.Getenv("SMTPRELAYD_DEFAULT_METRICS_LISTEN")
	DefaultWithPprof         = false
	DefaultPprofListenAddr   = "127.0.0.1:6060"
)

func init() {
	envDefaultRulesPath := os.Getenv("SMTPRELAYD_DEFAULT_RULES")
	if envDefaultRulesPath != "" {
		DefaultRulesPath = envDefaultRulesPath
	}

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().IntVar(&DefaultPort, "port", DefaultPort, "TCP port to receive mail on")
	serveCmd.Flags().BoolVar(&DefaultPublic, "public", DefaultPublic, "Receive mail on all interfaces instead of loopback only")
	serveCmd.Flags().StringVar(&DefaultDomain, "domain", DefaultDomain, "Domain announced in the SMTP greeting (defaults to the hostname)")
	serveCmd.Flags().StringVar(&DefaultRulesPath, "rules", DefaultRulesPath, "Full path to the relay rules file (JSON or YAML)")
	serveCmd.Flags().DurationVar(&DefaultRulesReloadInterval, "rules-reload-interval", DefaultRulesReloadInterval, "Interval to check the relay rules file for changes")
	serveCmd.Flags().DurationVar(&DefaultConnectTimeout, "connect-timeout", DefaultConnectTimeout, "Timeout to connect to a relay server and receive its greeting")
	serveCmd.Flags().DurationVar(&DefaultDeliveryTimeout, "delivery-timeout", DefaultDeliveryTimeout, "Timeout for a complete delivery to a relay server")
	serveCmd.Flags().DurationVar(&DefaultShutdownTimeout, "shutdown-timeout", DefaultShutdownTimeout, "Time to let deliveries in progress finish on shutdown")
	serveCmd.Flags().StringVar(&DefaultHeloHostname, "helo-hostname", DefaultHeloHostname, "HELO hostname for relay servers whose rule has none (defaults to the hostname)")
	serveCmd.Flags().StringVar(&DefaultAuthUsername, "auth-username", DefaultAuthUsername, "Username clients can authenticate with")
	serveCmd.Flags().StringVar(&DefaultAuthPassword, "auth-password", DefaultAuthPassword, "Password clients can authenticate with")
	serveCmd.Flags().BoolVar(&DefaultRequireAuth, "require-auth", DefaultRequireAuth, "Refuse mail from clients which did not authenticate")
	serveCmd.Flags().IntVar(&DefaultMaxMessageBytes, "max-message-bytes", DefaultMaxMessageBytes, "Maximum size of a received message")
	serveCmd.Flags().IntVar(&DefaultMaxRecipients, "max-recipients", DefaultMaxRecipients, "Maximum number of recipients per message")
	serveCmd.Flags().BoolVar(&DefaultWithStartTLS, "with-starttls", DefaultWithStartTLS, "Offer STARTTLS to clients, using a certificate from the state path")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().StringVar(&DefaultMetricsListenAddr, "metrics-listen", DefaultMetricsListenAddr, "TCP listen address for metrics, empty to disable")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	err = bs.srv.Serve(ctx)
	if DefaultSystemdNotify {
		ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyStopping)
		bs.logger.WithField("ok", ok).Debugln("called systemd sd_notify stopping")
		if notifyErr != nil {
			bs.logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
		}
	}
	return err
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.WithField("version", version.Version).Debugln("serve start")

	cfg, err := newConfig(logger)
	if err != nil {
		return err
	}

	var withStatus bool
	cfg.OnReady = func(srv *server.Server) {
		if DefaultSystemdNotify {
			ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
			logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
			if notifyErr != nil {
				logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
			}
		}
	}
	cfg.OnStatus = func(srv *server.Server) {
		if !withStatus {
			withStatus = true
			bs.Add(1)
			go func() {
				defer bs.Done()
				<-ctx.Done()
				statusErr := clearStatus()
				if statusErr != nil {
					logger.WithError(statusErr).Errorln("failed to clear status")
				}
			}()
		}

		onStatus(srv)
	}

	ipc.MustInitializeStatusSHM(cfg.StatePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	if DefaultWithPprof && DefaultPprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := DefaultPprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}

// newConfig validates the flag values and returns the server configuration
// without any callbacks set.
func newConfig(logger logrus.FieldLogger) (*server.Config, error) {
	if DefaultPort <= 0 || DefaultPort > 65535 {
		return nil, fmt.Errorf("port out of range: %d", DefaultPort)
	}

	if DefaultRulesPath == "" {
		return nil, fmt.Errorf("rules must not be empty")
	}
	rulesPath, err := filepath.Abs(DefaultRulesPath)
	if err != nil {
		return nil, fmt.Errorf("rules path invalid: %w", err)
	}

	if DefaultStatePath == "" {
		return nil, fmt.Errorf("state-path must not be empty")
	}
	if info, statErr := os.Stat(DefaultStatePath); statErr != nil {
		return nil, fmt.Errorf("state-path error: %w", statErr)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("state-path is not a directory: %s", DefaultStatePath)
	}
	statePath, err := filepath.Abs(DefaultStatePath)
	if err != nil {
		return nil, fmt.Errorf("state-path invalid: %w", err)
	}

	if (DefaultAuthUsername == "") != (DefaultAuthPassword == "") {
		return nil, fmt.Errorf("auth-username and auth-password must be set together")
	}
	if DefaultRequireAuth && DefaultAuthUsername == "" {
		return nil, fmt.Errorf("require-auth needs auth-username and auth-password")
	}
	if DefaultPublic && DefaultAuthUsername != "" && !DefaultWithStartTLS {
		logger.Warnln("receiving on all interfaces with credentials but without starttls, passwords are sent in the clear")
	}

	if DefaultRulesReloadInterval <= 0 {
		return nil, fmt.Errorf("rules-reload-interval must be positive")
	}
	if DefaultConnectTimeout <= 0 || DefaultDeliveryTimeout <= 0 {
		return nil, fmt.Errorf("connect-timeout and delivery-timeout must be positive")
	}

	return &server.Config{
		Logger: logger,

		ListenAddress: server.ListenAddress(DefaultPort, DefaultPublic),
		Domain:        DefaultDomain,

		RulesPath:           rulesPath,
		RulesReloadInterval: DefaultRulesReloadInterval,

		ConnectTimeout:  DefaultConnectTimeout,
		DeliveryTimeout: DefaultDeliveryTimeout,
		HeloHostname:    DefaultHeloHostname,

		AuthUsername: DefaultAuthUsername,
		AuthPassword: DefaultAuthPassword,
		RequireAuth:  DefaultRequireAuth,

		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxRecipients:   DefaultMaxRecipients,

		WithStartTLS: DefaultWithStartTLS,
		StatePath:    statePath,

		MetricsListenAddress: DefaultMetricsListenAddr,

		ShutdownTimeout: DefaultShutdownTimeout,
	}, nil
}
