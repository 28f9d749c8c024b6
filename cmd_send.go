package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"securechat/models"
	"securechat/transfer"
)

func newSendCmd(flags *rootFlags, logger func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer-id> <text>...",
		Short: "Send an encrypted text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := openClient(clientOptions{refreshToken: flags.refreshToken}, logger())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.connect(ctx); err != nil {
				return err
			}
			if err := c.sendPayload(ctx, args[0], models.TextPayload(strings.Join(args[1:], " "))); err != nil {
				return c.userError(err)
			}
			return nil
		},
	}
}

func newSendFileCmd(flags *rootFlags, logger func() zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "send-file <peer-id> <path>",
		Short: "Send a file directly, falling back to the encrypted relay store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			file, err := readFile(args[1])
			if err != nil {
				return err
			}
			c, err := openClient(clientOptions{refreshToken: flags.refreshToken, listen: true}, logger())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.connect(ctx); err != nil {
				return err
			}
			return sendFile(ctx, c, args[0], file)
		},
	}
}

func sendFile(ctx context.Context, c *client, peerID string, file transfer.File) error {
	result, err := c.negotiator.SendFile(ctx, peerID, file)
	if err != nil {
		return c.userError(err)
	}
	if result.Direct {
		fmt.Fprintf(c.out, "Sent %s directly (transfer %s)\n", file.Name, result.TransferID)
	} else {
		fmt.Fprintf(c.out, "Stored %s on the relay as %s\n", file.Name, result.FallbackFileID)
	}
	return nil
}
