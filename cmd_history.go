package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"securechat/config"
	"securechat/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		peerID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers, relay files and security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(filepath.Dir(cfgPath))
			if err != nil {
				return err
			}
			defer store.Close()
			return printHistory(os.Stdout, store, peerID, limit)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "only show entries for this peer")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows per section")
	return cmd
}

func printHistory(out io.Writer, store *storage.Store, peerID string, limit int) error {
	transfers, err := store.ListTransfers(peerID, limit)
	if err != nil {
		return err
	}
	files, err := store.ListFallbackFiles(limit)
	if err != nil {
		return err
	}
	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{PeerID: peerID, Limit: limit})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSFERS")
	fmt.Fprintln(w, "WHEN\tPEER\tROLE\tSTATE\tFILE\tSIZE\tDETAIL")
	for _, t := range transfers {
		detail := t.Error
		if t.FallbackFileID != "" {
			detail = "relay " + t.FallbackFileID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", formatMillis(t.FinishedAt), t.PeerID, t.Role, t.State, t.Filename, t.Filesize, detail)
	}

	fmt.Fprintln(w, "\nRELAY FILES")
	fmt.Fprintln(w, "WHEN\tID\tFILE\tSIZE\tRECIPIENTS")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", formatMillis(f.CreatedAt), f.FileID, f.Filename, f.Filesize, strings.Join(f.Recipients, ","))
	}

	fmt.Fprintln(w, "\nSECURITY EVENTS")
	fmt.Fprintln(w, "WHEN\tTYPE\tSEVERITY\tPEER\tDETAILS")
	for _, e := range events {
		peer := ""
		if e.PeerID != nil {
			peer = *e.PeerID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatMillis(e.Timestamp), e.EventType, e.Severity, peer, e.Details)
	}
	return w.Flush()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.DateTime)
}
