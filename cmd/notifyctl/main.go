// Command notifyctl sends platform notifications and exception reports, and
// runs a local capture SMTP server for checking them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-notify-lite/internal/compose"
	"github.com/shineum/smtp-notify-lite/internal/config"
	"github.com/shineum/smtp-notify-lite/internal/delivery"
	"github.com/shineum/smtp-notify-lite/internal/logger"
	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/provider/graph"
	"github.com/shineum/smtp-notify-lite/internal/provider/ses"
	smtpprovider "github.com/shineum/smtp-notify-lite/internal/provider/smtp"
	"github.com/shineum/smtp-notify-lite/internal/provider/stdout"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "notifyctl",
	Short:         "Outbound notification and exception report tool",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(sendTestCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sinkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// env is what every sending command needs.
type env struct {
	cfg       *config.Config
	log       *logger.Logger
	transport transport.Config
	agent     *delivery.Agent
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	tc, err := cfg.Transport()
	if err != nil {
		return nil, err
	}

	negotiator := transport.NewNegotiator()
	prov, err := selectProvider(ctx, cfg, negotiator, log)
	if err != nil {
		return nil, err
	}

	agent := newAgent(cfg, prov, negotiator, log)

	log.Info().
		Str("backend", prov.Name()).
		Bool("dry_run", cfg.Delivery.DryRun).
		Bool("anonymize", tc.Anonymize).
		Str("version", version).
		Msg("notification engine ready")

	return &env{cfg: cfg, log: log, transport: tc, agent: agent}, nil
}

// newAgent builds the delivery agent. Messages carry the product name as
// their X-Mailer tag.
func newAgent(cfg *config.Config, prov provider.Provider, n *transport.Negotiator, log *logger.Logger) *delivery.Agent {
	return delivery.New(prov,
		delivery.WithDryRun(cfg.Delivery.DryRun),
		delivery.WithNegotiator(n),
		delivery.WithComposer(compose.New(cfg.Exceptions.Product)),
		delivery.WithLogger(log.Logger),
	)
}

// selectProvider chooses the email delivery backend based on configuration.
func selectProvider(ctx context.Context, cfg *config.Config, n *transport.Negotiator, log *logger.Logger) (provider.Provider, error) {
	switch cfg.Delivery.Backend {
	case config.BackendSMTP:
		return smtpprovider.New(n, log.WithComponent("smtp").Logger), nil

	case config.BackendSES:
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		}, n, log.WithComponent("ses").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.BackendGraph:
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}, n, log.WithComponent("graph").Logger), nil

	case config.BackendStdout:
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown delivery backend %q", cfg.Delivery.Backend)
	}
}
