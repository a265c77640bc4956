package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

var sendTestCmd = &cobra.Command{
	Use:   "send-test",
	Short: "Send a test notification with the configured transport",
	RunE:  runSendTest,
}

func init() {
	sendTestCmd.Flags().String("to", "", "recipient address (required)")
	sendTestCmd.Flags().String("subject", "Test notification", "message subject")
	sendTestCmd.Flags().String("body", "This is a test notification.", "message body")
	_ = sendTestCmd.MarkFlagRequired("to")
}

func runSendTest(cmd *cobra.Command, args []string) error {
	to, _ := cmd.Flags().GetString("to")
	subject, _ := cmd.Flags().GetString("subject")
	body, _ := cmd.Flags().GetString("body")

	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}

	res := e.agent.Send(cmd.Context(), e.transport, &email.Message{
		To:      email.Address{Address: to},
		Subject: subject,
		Body:    body,
	})
	e.log.DeliveryResult(to, res)

	if !res.OK() {
		return fmt.Errorf("test notification failed: %w", res.Err)
	}
	return nil
}
