package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newFetchCmd(flags *rootFlags, logger func() zerolog.Logger) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "fetch <file-id>",
		Short: "Download, decrypt and verify a file from the relay store",
		Args:  cobra.ExactArgs(1),
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

			file, err := c.files.Download(ctx, args[0], c.cfg.ClientID, c.identity)
			if err != nil {
				return c.userError(err)
			}
			dir := outputDir
			if dir == "" {
				dir = c.cfg.DownloadDir
			}
			path, err := saveDownload(dir, file.ID, file.Name, file.Data)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Saved %s from %s (%d bytes)\n", path, file.Owner, len(file.Data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to save into (default download_dir)")
	return cmd
}
