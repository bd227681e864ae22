// Package main is the entry point for the email2signal bridge.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shineum/email2signal/internal/bridge"
	"github.com/shineum/email2signal/internal/config"
	"github.com/shineum/email2signal/internal/metrics"
	"github.com/shineum/email2signal/internal/provider"
	"github.com/shineum/email2signal/internal/provider/ses"
	signalrest "github.com/shineum/email2signal/internal/provider/signal"
	"github.com/shineum/email2signal/internal/provider/smtprelay"
	"github.com/shineum/email2signal/internal/provider/stdout"
	"github.com/shineum/email2signal/internal/recipient"
	"github.com/shineum/email2signal/internal/smtp"
	smtptls "github.com/shineum/email2signal/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "email2signal",
		Short: "SMTP server that forwards mail to Signal",
		Long: `email2signal accepts mail over SMTP and delivers it as Signal messages
through a signal-cli REST API. Recipients at signal.localdomain, the self
alias and the redirect domain become Signal messages; every other recipient
is relayed to an upstream SMTP server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}
			setupLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return root
}

// loadConfig loads and validates the configuration.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	tlsConfig, err := smtptls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Listen.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		return err
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	messenger, err := newMessenger(cfg)
	if err != nil {
		slog.Error("failed to create messenger", "error", err)
		return err
	}
	relayer, err := newRelayer(ctx, cfg)
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		return err
	}

	b := bridge.New(bridge.Config{
		Rules: recipient.Rules{
			RedirectDomain: cfg.Signal.RedirectDomain,
			SenderNumber:   cfg.Signal.SenderNumber,
		},
		Messenger:       messenger,
		Relayer:         relayer,
		ContentFilter:   cfg.Signal.RedirectContentFilter,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.Listen.Addr,
		Hostname:        cfg.Listen.Hostname,
		Bridge:          b,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.Listen.Username,
		AuthPassword:    cfg.Listen.Password,
		MaxMessageBytes: int64(cfg.Listen.MaxMessageSize),
		MaxRecipients:   cfg.Listen.MaxRecipients,
	})

	slog.Info("starting email2signal",
		"listen", cfg.Listen.Addr,
		"messenger", messenger.Name(),
		"relay", relayer.Name(),
		"redirect_domain", cfg.Signal.RedirectDomain,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.ListenAndServe(ctx, cfg.MetricsListen); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		return err
	}

	slog.Info("email2signal stopped")
	return nil
}

// setupLogger configures the global slog logger. The json format writes one
// JSON object per line; text renders human-readable console output.
func setupLogger(level, format string, w io.Writer) {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "text":
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(logLevel),
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: logLevel,
		})
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newMessenger chooses the Signal delivery backend.
func newMessenger(cfg *config.Config) (provider.Messenger, error) {
	switch cfg.Signal.Provider {
	case config.SignalProviderStdout:
		slog.Info("using stdout messenger")
		return stdout.New(), nil
	case config.SignalProviderREST:
		slog.Info("using Signal REST messenger", "url", cfg.Signal.RestURL)
		return signalrest.New(signalrest.Config{
			BaseURL: cfg.Signal.RestURL,
			Timeout: cfg.Signal.Timeout,
		})
	}
	return nil, fmt.Errorf("unknown messenger %q", cfg.Signal.Provider)
}

// newRelayer chooses the backend for plain email recipients.
func newRelayer(ctx context.Context, cfg *config.Config) (provider.Relayer, error) {
	switch cfg.SMTP.Provider {
	case config.RelayProviderSES:
		slog.Info("using AWS SES relay", "region", cfg.SES.Region)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
	case config.RelayProviderStdout:
		slog.Info("using stdout relay")
		return stdout.New(), nil
	case config.RelayProviderSMTP:
		if cfg.SMTP.Host == "" {
			slog.Info("SMTP_HOST is empty, email relay is disabled")
		} else {
			slog.Info("using SMTP relay", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
		}
		return smtprelay.New(smtprelay.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.User,
			Password:  cfg.SMTP.Password,
			Timeout:   cfg.SMTP.Timeout,
			TLSConfig: smtptls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.TLSSkipVerify),
		}), nil
	}
	return nil, fmt.Errorf("unknown relay %q", cfg.SMTP.Provider)
}
