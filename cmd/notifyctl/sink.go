package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-notify-lite/internal/logger"
	"github.com/shineum/smtp-notify-lite/internal/provider/stdout"
	"github.com/shineum/smtp-notify-lite/internal/smtpsink"
	smtptls "github.com/shineum/smtp-notify-lite/internal/tls"
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a capture SMTP server that prints every received message",
	RunE:  runSink,
}

func init() {
	sinkCmd.Flags().String("listen", "", "listen address (default from config)")
	sinkCmd.Flags().Bool("implicit-tls", false, "start TLS before the greeting")
	sinkCmd.Flags().String("username", "", "AUTH username")
	sinkCmd.Flags().String("password", "", "AUTH password")
}

func runSink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	flags := cmd.Flags()
	if v, _ := flags.GetString("listen"); v != "" {
		cfg.Sink.Listen = v
	}
	if flags.Changed("implicit-tls") {
		cfg.Sink.ImplicitTLS, _ = flags.GetBool("implicit-tls")
	}
	if v, _ := flags.GetString("username"); v != "" {
		cfg.Sink.Username = v
	}
	if v, _ := flags.GetString("password"); v != "" {
		cfg.Sink.Password = v
	}

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.ServerConfig(cfg.Sink.CertFile, cfg.Sink.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.Sink.CertFile != "" && cfg.Sink.KeyFile != "" {
		tlsMode = "file"
	}
	log.Info().Str("tls_mode", tlsMode).Msg("starting capture sink")

	ctx := cmd.Context()
	server, err := smtpsink.Start(ctx, smtpsink.ServerConfig{
		ListenAddr:   cfg.Sink.Listen,
		Hostname:     "localhost",
		TLSConfig:    tlsConfig,
		ImplicitTLS:  cfg.Sink.ImplicitTLS,
		AuthUsername: cfg.Sink.Username,
		AuthPassword: cfg.Sink.Password,
		Logger:       log.Logger,
	})
	if err != nil {
		return err
	}

	printMessages(ctx, server.Mailbox(), cmd.OutOrStdout())
	log.Info().Msg("capture sink stopped")
	return nil
}

// printMessages prints every message the mailbox receives until ctx is done.
func printMessages(ctx context.Context, mb *smtpsink.Mailbox, w io.Writer) {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-mb.Notify():
		}
		msgs := mb.Messages()
		for _, m := range msgs[printed:] {
			_, _ = io.WriteString(w, stdout.Format(entryFor(m)))
		}
		printed = len(msgs)
	}
}

func entryFor(r smtpsink.Received) stdout.Entry {
	e := stdout.Entry{
		From: r.MailFrom,
		To:   r.RcptTo,
		Size: len(r.Raw),
	}

	tlsNote := "TLS: no"
	if r.TLS {
		tlsNote = "TLS: yes"
	}
	e.Notes = append(e.Notes, tlsNote)
	if r.AuthUser != "" {
		e.Notes = append(e.Notes, "Auth: "+r.AuthUser)
	}

	if r.Parsed == nil {
		e.Body = string(r.Raw)
		return e
	}
	e.Subject = r.Parsed.Subject
	if r.Parsed.MessageID != "" {
		e.Notes = append(e.Notes, "Message-ID: "+r.Parsed.MessageID)
	}
	if r.Parsed.Mailer != "" {
		e.Notes = append(e.Notes, "X-Mailer: "+r.Parsed.Mailer)
	}
	if r.Parsed.Encrypted {
		e.Notes = append(e.Notes, "PGP: encrypted")
	}
	e.Body = r.Parsed.TextBody
	return e
}
