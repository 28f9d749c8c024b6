package main

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"securechat/config"
	appcrypto "securechat/crypto"
	"securechat/discovery"
	"securechat/envelope"
	"securechat/fallback"
	"securechat/keydir"
	"securechat/models"
	"securechat/network"
	"securechat/session"
	"securechat/storage"
	"securechat/transfer"
)

// Channel events for chat messages.
const (
	messageSendEvent = "message:send"
	messageEvent     = "message"
)

type outboundMessage struct {
	To       []string `json:"to"`
	Scope    string   `json:"scope"`
	Payload  string   `json:"payload"`
	Insecure bool     `json:"insecure,omitempty"`
}

type inboundMessage struct {
	From    string `json:"from"`
	Payload string `json:"payload"`
}

type clientOptions struct {
	refreshToken string
	// listen enables the link listener and mDNS. Commands that only talk
	// to the server leave it off.
	listen         bool
	decide         func(ctx context.Context, offer transfer.IncomingOffer) bool
	onFileReceived func(file transfer.ReceivedFile)
	out            io.Writer
}

// client is every component of a running identity, wired together.
type client struct {
	cfg      *config.ClientConfig
	cfgPath  string
	log      zerolog.Logger
	out      io.Writer
	identity *ecdh.PrivateKey

	store      *storage.Store
	refresher  *session.Refresher
	channel    *network.Channel
	manager    *session.Manager
	rooms      *session.ChannelRooms
	keys       *keydir.Directory
	codec      *envelope.Codec
	files      *fallback.Store
	links      *network.LinkListener
	advertiser *discovery.Advertiser
	negotiator *transfer.Negotiator

	closers []func()
}

func openClient(options clientOptions, logger zerolog.Logger) (_ *client, err error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	identity, err := appcrypto.EnsureIdentityKey(cfg.IdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}
	if options.out == nil {
		options.out = os.Stdout
	}

	c := &client{
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      logger.With().Str("client_id", cfg.ClientID).Logger(),
		out:      options.out,
		identity: identity,
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(cfg.SecurityEventRetention)
	c.store = store
	c.closers = append(c.closers, func() {
		if err := store.Close(); err != nil {
			c.log.Warn().Err(err).Msg("database close error")
		}
	})

	c.refresher = session.NewRefresher(&session.HTTPRefreshEndpoint{
		BaseURL:      cfg.APIURL,
		RefreshToken: func() string { return options.refreshToken },
	}, session.RefreshOptions{StaleRetryDelay: cfg.StaleRetryDelay, Logger: c.log})

	c.channel = network.NewChannel(network.ChannelOptions{
		URL:    cfg.ServerURL,
		Token:  c.refresher.AccessToken,
		Logger: c.log,
	})
	c.closers = append(c.closers, func() { _ = c.channel.Close() })

	caller := &managerCaller{}
	c.rooms = session.NewChannelRooms(caller, session.NewCaptureRefs(openCapture(c.log), c.log))
	c.manager, err = session.NewManager(session.Options{
		Transport:   c.channel,
		Refresher:   c.refresher,
		Restoration: store,
		Rooms:       c.rooms,
		OnLogout:    c.recordLogout,
		Logger:      c.log,
	})
	if err != nil {
		return nil, err
	}
	caller.manager = c.manager
	c.closers = append(c.closers, c.manager.Close)

	c.keys = keydir.New(keydir.ChannelFetcher{Requester: c.manager}, store, keydir.Options{
		TTL:          cfg.KeyTTL,
		OnKeyChanged: c.recordKeyChange,
		Logger:       c.log,
	})
	c.codec = envelope.NewCodec(c.keys, envelope.Options{
		Self:   envelope.Identity{ID: cfg.ClientID, PublicKey: identity.PublicKey()},
		Policy: envelope.Policy{AllowPlaintextFallback: cfg.AllowPlaintextFallback},
		Logger: c.log,
	})

	c.files, err = fallback.New(fallback.Options{
		Channel:      c.manager,
		Sealer:       c.codec,
		References:   store,
		PartSize:     cfg.FallbackPartSize,
		StallTimeout: cfg.FallbackStallTimeout,
		OnProgress: func(p fallback.Progress) {
			c.log.Debug().Str("upload_id", p.UploadID).Int64("sent", p.Sent).Int64("total", p.Total).Msg("fallback upload progress")
		},
		Logger: c.log,
	})
	if err != nil {
		return nil, err
	}

	links := &transfer.NetworkLinks{Logger: c.log}
	var resolver transfer.CandidateResolver
	if options.listen {
		c.links, err = network.ListenLinks(cfg.LinkListenAddress, network.ListenerOptions{Logger: c.log})
		if err != nil {
			return nil, fmt.Errorf("start link listener: %w", err)
		}
		links.Listener = c.links
		c.closers = append(c.closers, func() { _ = c.links.Close() })
		go c.drainLinkErrors()

		if cfg.MDNSEnabled {
			resolver = c.startDiscovery()
		}
	}

	c.negotiator, err = transfer.NewNegotiator(transfer.Options{
		LocalID:            cfg.ClientID,
		Signaler:           &authedSignaler{channel: c.channel, manager: c.manager},
		Links:              links,
		Resolver:           resolver,
		Fallback:           &fallbackUploader{client: c},
		History:            store,
		Seen:               store,
		Decide:             options.decide,
		OnFileReceived:     options.onFileReceived,
		OnProgress:         c.logProgress,
		ChunkSize:          cfg.ChunkSize,
		HighWaterMark:      int(cfg.HighWaterMark),
		HandshakeTimeout:   cfg.HandshakeTimeout,
		AcceptTimeout:      cfg.AcceptTimeout,
		TransferTimeout:    cfg.TransferTimeout,
		WatchdogMultiplier: cfg.WatchdogMultiplier,
		Logger:             c.log,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.negotiator.Close)

	c.closers = append(c.closers, c.channel.On(messageEvent, c.handleMessage))
	return c, nil
}

// Close releases components in reverse start order.
func (c *client) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// connect starts the session and publishes our key once connected.
func (c *client) connect(ctx context.Context) error {
	if err := c.manager.Start(ctx); err != nil {
		return c.userError(err)
	}
	encoded, err := appcrypto.EncodePublicKey(c.identity.PublicKey())
	if err != nil {
		return err
	}
	return keydir.PublishKey(ctx, c.manager, encoded)
}

// userError keeps the detail in the log and returns the message a user should see.
func (c *client) userError(err error) error {
	c.log.Debug().Err(err).Msg("command failed")
	return errors.New(session.Describe(err))
}

func (c *client) startDiscovery() transfer.CandidateResolver {
	dcfg := discovery.Config{
		ClientID:      c.cfg.ClientID,
		InstanceName:  c.cfg.Identity,
		ListeningPort: c.links.Port(),
		Logger:        c.log,
	}
	advertiser, err := discovery.StartAdvertiser(dcfg)
	if err != nil {
		c.log.Warn().Err(err).Msg("mdns advertise failed")
	} else {
		c.advertiser = advertiser
		c.closers = append(c.closers, advertiser.Stop)
	}

	resolver, err := discovery.NewResolver(dcfg)
	if err != nil {
		c.log.Warn().Err(err).Msg("mdns resolver unavailable")
		return nil
	}
	return resolver
}

func (c *client) drainLinkErrors() {
	for err := range c.links.Errors() {
		c.log.Debug().Err(err).Msg("inbound link rejected")
	}
}

// sendPayload encrypts payload for peer and posts it on the channel.
func (c *client) sendPayload(ctx context.Context, peerID string, payload models.Payload) error {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	sealed, err := c.codec.EncryptOrFallback(ctx, envelope.ScopeDirect, []string{peerID}, raw)
	if err != nil {
		return err
	}
	if sealed.Degraded {
		c.log.Warn().Str("peer_id", peerID).Msg("message sent WITHOUT encryption (plaintext fallback)")
	}
	return c.manager.Call(ctx, messageSendEvent, outboundMessage{
		To:       []string{peerID},
		Scope:    string(envelope.ScopeDirect),
		Payload:  string(sealed.Wire),
		Insecure: sealed.Degraded,
	}, nil)
}

func (c *client) handleMessage(raw json.RawMessage) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("malformed message event")
		return
	}
	opened, err := envelope.Open(c.cfg.ClientID, c.identity, []byte(msg.Payload))
	if err != nil {
		c.log.Warn().Err(err).Str("from", msg.From).Msg("message could not be opened")
		if envelope.IsUserFacing(err) {
			fmt.Fprintf(c.out, "[%s] %s\n", msg.From, session.Describe(err))
		}
		return
	}
	payload, err := models.DecodePayload(opened.Plaintext)
	if err != nil {
		c.log.Warn().Err(err).Str("from", msg.From).Msg("unreadable payload")
		return
	}

	prefix := "[" + msg.From + "]"
	if opened.Insecure {
		prefix += " (unencrypted)"
	}
	switch payload.Kind {
	case models.KindText:
		fmt.Fprintf(c.out, "%s %s\n", prefix, payload.Text)
	case models.KindFileReference:
		ref := payload.File
		fmt.Fprintf(c.out, "%s sent file %q (%d bytes), fetch with: securechat fetch %s\n", prefix, ref.Name, ref.Size, ref.FileID)
	case models.KindShare:
		fmt.Fprintf(c.out, "%s shared %s: %s\n", prefix, payload.Share.Type, payload.Share.Data)
	}
}

func (c *client) logProgress(p transfer.Progress) {
	c.log.Debug().
		Str("transfer_id", p.TransferID).
		Str("direction", string(p.Direction)).
		Int64("bytes", p.Bytes).
		Int64("total", p.Total).
		Msg("transfer progress")
}

func (c *client) recordLogout(state session.ConnectionState) {
	if state.LastReason == session.ReasonUserLogout {
		return
	}
	if err := c.store.RecordForcedLogout(state.LastReason); err != nil {
		c.log.Warn().Err(err).Msg("record forced logout")
	}
	fmt.Fprintln(c.out, state.Status())
}

func (c *client) recordKeyChange(recipientID, previousKey, currentKey string) {
	previous, current := keyFingerprint(previousKey), keyFingerprint(currentKey)
	c.log.Warn().Str("peer_id", recipientID).Str("previous", previous).Str("current", current).Msg("peer key changed")
	if err := c.store.RecordKeyChange(recipientID, previous, current); err != nil {
		c.log.Warn().Err(err).Msg("record key change")
	}
}

func keyFingerprint(encoded string) string {
	key, err := appcrypto.ParsePublicKey(encoded)
	if err != nil {
		return "unparseable"
	}
	return appcrypto.FormatFingerprint(appcrypto.KeyFingerprint(key))
}

// managerCaller defers to a Manager created after its consumers.
type managerCaller struct {
	manager *session.Manager
}

func (m *managerCaller) Request(ctx context.Context, event string, payload any, reply any) error {
	if m.manager == nil {
		return network.ErrNotConnected
	}
	return m.manager.Call(ctx, event, payload, reply)
}

// authedSignaler relays transfer signaling on the channel, with requests
// going through the session's 401 handling.
type authedSignaler struct {
	channel *network.Channel
	manager *session.Manager
}

func (s *authedSignaler) Emit(ctx context.Context, event string, payload any) error {
	return s.channel.Emit(ctx, event, payload)
}

func (s *authedSignaler) Request(ctx context.Context, event string, payload any, reply any) error {
	return s.manager.Call(ctx, event, payload, reply)
}

func (s *authedSignaler) On(event string, handler func(json.RawMessage)) func() {
	return s.channel.On(event, handler)
}

// fallbackUploader stores a file on the relay and tells the peer where it is.
type fallbackUploader struct {
	client *client
}

func (u *fallbackUploader) UploadFile(ctx context.Context, peerID string, file transfer.File) (string, error) {
	c := u.client
	fileID, err := c.files.Upload(ctx, fallback.Upload{
		Owner:      c.cfg.ClientID,
		Recipients: []string{peerID},
		Name:       file.Name,
		Mime:       file.Mime,
		Data:       file.Data,
	})
	if err != nil {
		return "", err
	}

	ref := models.FileReference{
		FileID:      fileID,
		Name:        file.Name,
		Mime:        file.Mime,
		Size:        int64(len(file.Data)),
		ContentHash: appcrypto.ContentHash(file.Data),
	}
	if err := c.sendPayload(ctx, peerID, models.FilePayload(ref)); err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("uploaded file but could not notify peer")
	}
	return fileID, nil
}

// nopCapture stands in for a media capture handle on a terminal client.
type nopCapture struct {
	log zerolog.Logger
}

func (n nopCapture) Close() error {
	n.log.Debug().Msg("capture released")
	return nil
}

func openCapture(logger zerolog.Logger) func() (io.Closer, error) {
	return func() (io.Closer, error) {
		logger.Debug().Msg("capture acquired")
		return nopCapture{log: logger}, nil
	}
}

func readFile(path string) (transfer.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return transfer.File{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return transfer.File{}, errors.New("source path must be a file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.File{}, fmt.Errorf("read source file: %w", err)
	}
	name := filepath.Base(path)
	return transfer.File{
		Name: name,
		Mime: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		Data: data,
	}, nil
}

// saveDownload writes data under dir, prefixed by id so names never collide.
func saveDownload(dir, id, name string, data []byte) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	path := filepath.Join(dir, id+"_"+base)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write download: %w", err)
	}
	return path, nil
}
