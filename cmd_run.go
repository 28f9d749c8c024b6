package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"securechat/models"
	"securechat/session"
	"securechat/transfer"
)

const inputHelp = `commands:
  @<peer> <text>        send a message
  /file <peer> <path>   send a file
  /join <room>          join a room
  /voice [room]         join voice in a room, or leave voice with no room
  /leave                leave the current room
  /offline | /online    tell the client the network went away or came back
  /retry                reconnect after giving up
  /quit                 sign out and exit`

type runFlags struct {
	room      string
	voice     bool
	accept    []string
	acceptAll bool
}

func newRunCmd(flags *rootFlags, logger func() zerolog.Logger) *cobra.Command {
	run := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, receive messages and files, and read commands from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, stop, flags, run, logger(), os.Stdin)
		},
	}
	cmd.Flags().StringVar(&run.room, "room", "", "room to join after connecting")
	cmd.Flags().BoolVar(&run.voice, "voice", false, "also join voice in --room")
	cmd.Flags().StringSliceVar(&run.accept, "accept", nil, "peer ids whose file offers are accepted")
	cmd.Flags().BoolVar(&run.acceptAll, "accept-all", false, "accept every file offer")
	return cmd
}

func runClient(ctx context.Context, stop context.CancelFunc, flags *rootFlags, run *runFlags, logger zerolog.Logger, input io.Reader) error {
	var c *client
	decide := func(_ context.Context, offer transfer.IncomingOffer) bool {
		accepted := run.acceptAll || slices.Contains(run.accept, offer.PeerID)
		fmt.Fprintf(c.out, "[%s] offers %q (%d bytes): accepted=%t\n", offer.PeerID, offer.Name, offer.Size, accepted)
		return accepted
	}
	onFile := func(file transfer.ReceivedFile) {
		path, err := saveDownload(c.cfg.DownloadDir, file.TransferID, file.Name, file.Data)
		if err != nil {
			c.log.Error().Err(err).Str("transfer_id", file.TransferID).Msg("save received file")
			return
		}
		fmt.Fprintf(c.out, "[%s] received %s\n", file.PeerID, path)
	}

	c, err := openClient(clientOptions{
		refreshToken:   flags.refreshToken,
		listen:         true,
		decide:         decide,
		onFileReceived: onFile,
	}, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	unsubscribe := c.manager.Subscribe(func(state session.ConnectionState) {
		fmt.Fprintln(c.out, "status:", state.Status())
		if state.Phase.Terminal() {
			stop()
		}
	})
	defer unsubscribe()

	if err := c.connect(ctx); err != nil {
		return err
	}

	if run.room != "" {
		if err := c.joinRoom(ctx, run.room); err != nil {
			return c.userError(err)
		}
		if run.voice {
			if err := c.joinVoice(ctx, run.room); err != nil {
				return c.userError(err)
			}
		}
	}

	var idle *session.IdleMonitor
	if c.cfg.IdleTimeout > 0 {
		idle, err = session.NewIdleMonitor(session.IdleOptions{
			Timeout:      c.cfg.IdleTimeout,
			PingInterval: c.cfg.ActivityPingInterval,
			Ping: func(ctx context.Context) error {
				return c.manager.Call(ctx, session.ActivityPingEvent, nil, nil)
			},
			OnIdle: func() { c.manager.Logout(session.ReasonIdleTimeout) },
			Logger: c.log,
		})
		if err != nil {
			return err
		}
		go func() { _ = idle.Run(ctx) }()
	}

	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			if idle != nil {
				idle.Touch(session.SignalKey)
			}
			if quit := c.handleInput(ctx, scanner.Text()); quit {
				stop()
				return
			}
		}
	}()

	fmt.Fprintf(c.out, "Client %s running (type /help, Ctrl+C to stop)\n", c.cfg.ClientID)
	<-ctx.Done()
	return nil
}

// handleInput runs one stdin command. It reports whether the client should exit.
func (c *client) handleInput(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch {
	case strings.HasPrefix(line, "@"):
		peer, text, ok := strings.Cut(line[1:], " ")
		if !ok || peer == "" {
			fmt.Fprintln(c.out, "usage: @<peer> <text>")
			return false
		}
		err = c.sendPayload(ctx, peer, models.TextPayload(text))
	case strings.HasPrefix(line, "/"):
		command, rest, _ := strings.Cut(line[1:], " ")
		rest = strings.TrimSpace(rest)
		switch command {
		case "quit":
			c.manager.Logout(session.ReasonUserLogout)
			return true
		case "file":
			peer, path, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Fprintln(c.out, "usage: /file <peer> <path>")
				return false
			}
			file, readErr := readFile(strings.TrimSpace(path))
			if readErr != nil {
				err = readErr
				break
			}
			go func() {
				if err := sendFile(ctx, c, peer, file); err != nil {
					fmt.Fprintln(c.out, "send failed:", err)
				}
			}()
		case "join":
			err = c.joinRoom(ctx, rest)
		case "voice":
			err = c.joinVoice(ctx, rest)
		case "leave":
			err = c.manager.RecordLeave()
		case "offline":
			c.manager.NetworkOffline()
		case "online":
			c.manager.NetworkOnline()
		case "retry":
			c.manager.Retry()
		default:
			fmt.Fprintln(c.out, inputHelp)
		}
	default:
		fmt.Fprintln(c.out, inputHelp)
	}

	if err != nil {
		fmt.Fprintln(c.out, session.Describe(err))
	}
	return false
}

func (c *client) joinRoom(ctx context.Context, room string) error {
	if room == "" {
		return errors.New("room is required")
	}
	if err := c.rooms.JoinRoom(ctx, room); err != nil {
		return err
	}
	return c.manager.RecordJoin(room)
}

// joinVoice joins voice in room. An empty room leaves voice.
func (c *client) joinVoice(ctx context.Context, room string) error {
	if room == "" {
		c.rooms.TeardownVoice()
		return c.manager.RecordVoice("")
	}
	if err := c.rooms.JoinVoice(ctx, room); err != nil {
		return err
	}
	return c.manager.RecordVoice(room)
}
