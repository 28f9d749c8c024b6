// Package fallback stores encrypted files on the relay server for peers that
// could not be reached directly.
package fallback

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appcrypto "securechat/crypto"
	"securechat/envelope"
	"securechat/network"
)

const (
	DefaultPartSize     = 256 * 1024
	DefaultStallTimeout = 30 * time.Second

	// maxDownloadPrealloc caps the buffer reserved from advertised metadata.
	maxDownloadPrealloc = 64 << 20
)

// Channel events used by the upload and download protocol.
const (
	EventUploadBegin  = "file:upload:begin"
	EventUploadPart   = "file:upload:part"
	EventUploadCommit = "file:upload:commit"
	EventDownload     = "file:download"
	EventDownloadPart = "file:download:part"
)

var (
	// ErrUploadStalled indicates no part was acknowledged within the stall timeout.
	ErrUploadStalled = errors.New("fallback: upload stalled")
	// ErrUploadRejected indicates the server refused the upload.
	ErrUploadRejected = errors.New("fallback: upload rejected")
	// ErrContentMismatch indicates the downloaded plaintext does not hash to the advertised digest.
	ErrContentMismatch = errors.New("fallback: downloaded content hash mismatch")
)

// Channel is the request side of the authenticated channel.
type Channel interface {
	Request(ctx context.Context, event string, payload any, reply any) error
}

// Sealer encrypts one payload for a recipient set.
type Sealer interface {
	EncryptFor(ctx context.Context, scope envelope.Scope, recipientIDs []string, plaintext []byte) (*envelope.Envelope, error)
}

// Upload is one file to store for later retrieval.
type Upload struct {
	Owner      string
	Recipients []string
	Name       string
	Mime       string
	Data       []byte
}

// File is a downloaded, decrypted and verified file.
type File struct {
	ID          string
	Owner       string
	Name        string
	Mime        string
	ContentHash string
	Data        []byte
}

// Progress reports acknowledged ciphertext bytes of an upload.
type Progress struct {
	UploadID string
	Name     string
	Sent     int64
	Total    int64
}

// Reference is the local record of an uploaded file.
type Reference struct {
	FileID      string
	Owner       string
	Recipients  []string
	Name        string
	Mime        string
	Size        int64
	ContentHash string
	CreatedAt   time.Time
}

// References persists upload references.
type References interface {
	SaveReference(ref Reference) error
}

// Options configures a Store.
type Options struct {
	Channel      Channel
	Sealer       Sealer
	References   References
	PartSize     int
	StallTimeout time.Duration
	OnProgress   func(Progress)
	Logger       zerolog.Logger
}

// Store uploads and downloads encrypted files through the relay.
type Store struct {
	options Options
	log     zerolog.Logger
}

// New validates options and applies defaults.
func New(options Options) (*Store, error) {
	if options.Channel == nil {
		return nil, errors.New("fallback: channel is required")
	}
	if options.Sealer == nil {
		return nil, errors.New("fallback: sealer is required")
	}
	if options.PartSize <= 0 {
		options.PartSize = DefaultPartSize
	}
	if options.StallTimeout <= 0 {
		options.StallTimeout = DefaultStallTimeout
	}
	return &Store{
		options: options,
		log:     options.Logger.With().Str("component", "fallback").Logger(),
	}, nil
}

type beginRequest struct {
	UploadID     string            `json:"uploadId"`
	Owner        string            `json:"owner"`
	Recipients   []string          `json:"recipients"`
	OriginalName string            `json:"originalName"`
	Mime         string            `json:"mime,omitempty"`
	ContentHash  string            `json:"contentHash"`
	Version      int               `json:"version"`
	Algorithm    string            `json:"algorithm"`
	IV           []byte            `json:"iv"`
	WrappedKeys  map[string][]byte `json:"wrappedKeys"`
	Size         int64             `json:"size"`
	Parts        int               `json:"parts"`
}

type partRequest struct {
	UploadID   string `json:"uploadId"`
	Index      int    `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
}

type partReply struct {
	Received int64 `json:"received"`
}

type commitRequest struct {
	UploadID string `json:"uploadId"`
}

type commitReply struct {
	FileID string `json:"fileId"`
}

type downloadRequest struct {
	FileID string `json:"fileId"`
	Index  int    `json:"index,omitempty"`
}

type downloadReply struct {
	FileID       string            `json:"fileId"`
	Owner        string            `json:"owner"`
	OriginalName string            `json:"originalName"`
	Mime         string            `json:"mime,omitempty"`
	ContentHash  string            `json:"contentHash"`
	Version      int               `json:"version"`
	Algorithm    string            `json:"algorithm"`
	IV           []byte            `json:"iv"`
	WrappedKeys  map[string][]byte `json:"wrappedKeys"`
	Size         int64             `json:"size"`
	Parts        int               `json:"parts"`
}

// validate rejects download metadata whose size and part count cannot
// describe a stored upload. Every stored part carries at least one byte.
func (r downloadReply) validate() error {
	switch {
	case r.Size < 0, r.Parts < 0:
		return fmt.Errorf("%w: negative size %d or part count %d", envelope.ErrBadEnvelopeFormat, r.Size, r.Parts)
	case (r.Size == 0) != (r.Parts == 0), int64(r.Parts) > r.Size:
		return fmt.Errorf("%w: size %d cannot span %d parts", envelope.ErrBadEnvelopeFormat, r.Size, r.Parts)
	}
	return nil
}

type downloadPartReply struct {
	Ciphertext []byte `json:"ciphertext"`
}

// Upload encrypts the file once for every recipient plus the owner and
// streams the ciphertext in parts. It returns the server's file id.
func (s *Store) Upload(ctx context.Context, upload Upload) (string, error) {
	if upload.Owner == "" {
		return "", errors.New("fallback: owner is required")
	}
	recipients := append([]string{upload.Owner}, upload.Recipients...)
	env, err := s.options.Sealer.EncryptFor(ctx, envelope.ScopeRoom, recipients, upload.Data)
	if err != nil {
		return "", fmt.Errorf("encrypt upload: %w", err)
	}

	uploadID := uuid.NewString()
	total := int64(len(env.Ciphertext))
	parts := partCount(len(env.Ciphertext), s.options.PartSize)
	hash := appcrypto.ContentHash(upload.Data)
	log := s.log.With().Str("upload_id", uploadID).Str("name", upload.Name).Logger()

	begin := beginRequest{
		UploadID:     uploadID,
		Owner:        upload.Owner,
		Recipients:   env.Recipients(),
		OriginalName: upload.Name,
		Mime:         upload.Mime,
		ContentHash:  hash,
		Version:      env.Version,
		Algorithm:    env.Algorithm,
		IV:           env.IV,
		WrappedKeys:  env.Keys,
		Size:         total,
		Parts:        parts,
	}
	if err := s.request(ctx, EventUploadBegin, begin, nil); err != nil {
		return "", err
	}

	var sent int64
	for index := 0; index < parts; index++ {
		start := index * s.options.PartSize
		end := min(start+s.options.PartSize, len(env.Ciphertext))

		var reply partReply
		if err := s.request(ctx, EventUploadPart, partRequest{
			UploadID:   uploadID,
			Index:      index,
			Ciphertext: env.Ciphertext[start:end],
		}, &reply); err != nil {
			log.Warn().Err(err).Int("part", index).Msg("upload part failed")
			return "", err
		}
		sent += int64(end - start)
		if s.options.OnProgress != nil {
			s.options.OnProgress(Progress{UploadID: uploadID, Name: upload.Name, Sent: sent, Total: total})
		}
	}

	var commit commitReply
	if err := s.request(ctx, EventUploadCommit, commitRequest{UploadID: uploadID}, &commit); err != nil {
		return "", err
	}
	if commit.FileID == "" {
		return "", fmt.Errorf("%w: commit returned no file id", ErrUploadRejected)
	}
	log.Info().Str("file_id", commit.FileID).Int64("bytes", total).Msg("fallback upload committed")

	if s.options.References != nil {
		if err := s.options.References.SaveReference(Reference{
			FileID:      commit.FileID,
			Owner:       upload.Owner,
			Recipients:  begin.Recipients,
			Name:        upload.Name,
			Mime:        upload.Mime,
			Size:        int64(len(upload.Data)),
			ContentHash: hash,
			CreatedAt:   time.Now(),
		}); err != nil {
			log.Warn().Err(err).Msg("save fallback reference")
		}
	}
	return commit.FileID, nil
}

// Download fetches a stored file, decrypts it with the local identity and
// checks it against the advertised content hash.
func (s *Store) Download(ctx context.Context, fileID, ownID string, privateKey *ecdh.PrivateKey) (File, error) {
	var meta downloadReply
	if err := s.request(ctx, EventDownload, downloadRequest{FileID: fileID}, &meta); err != nil {
		return File{}, err
	}

	if err := meta.validate(); err != nil {
		return File{}, err
	}

	ciphertext := make([]byte, 0, min(meta.Size, maxDownloadPrealloc))
	for index := 0; index < meta.Parts; index++ {
		var part downloadPartReply
		if err := s.request(ctx, EventDownloadPart, downloadRequest{FileID: fileID, Index: index}, &part); err != nil {
			return File{}, err
		}
		if len(part.Ciphertext) == 0 || int64(len(ciphertext)+len(part.Ciphertext)) > meta.Size {
			return File{}, fmt.Errorf("%w: part %d overruns advertised size %d", envelope.ErrBadEnvelopeFormat, index, meta.Size)
		}
		ciphertext = append(ciphertext, part.Ciphertext...)
	}
	if int64(len(ciphertext)) != meta.Size {
		return File{}, fmt.Errorf("%w: received %d of %d bytes", envelope.ErrBadEnvelopeFormat, len(ciphertext), meta.Size)
	}

	plaintext, err := envelope.Decrypt(ownID, privateKey, &envelope.Envelope{
		Version:    meta.Version,
		Algorithm:  meta.Algorithm,
		IV:         meta.IV,
		Ciphertext: ciphertext,
		Keys:       meta.WrappedKeys,
	})
	if err != nil {
		return File{}, err
	}
	if appcrypto.ContentHash(plaintext) != meta.ContentHash {
		return File{}, ErrContentMismatch
	}

	return File{
		ID:          fileID,
		Owner:       meta.Owner,
		Name:        meta.OriginalName,
		Mime:        meta.Mime,
		ContentHash: meta.ContentHash,
		Data:        plaintext,
	}, nil
}

// request bounds one exchange by the stall timeout, separately from ctx.
func (s *Store) request(ctx context.Context, event string, payload any, reply any) error {
	stallCtx, cancel := context.WithTimeout(ctx, s.options.StallTimeout)
	defer cancel()

	err := s.options.Channel.Request(stallCtx, event, payload, reply)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stallCtx.Err() != nil || errors.Is(err, network.ErrAckTimeout) {
		return fmt.Errorf("%w: %s not acknowledged within %s", ErrUploadStalled, event, s.options.StallTimeout)
	}

	var ackErr *network.AckError
	if errors.As(err, &ackErr) && !errors.Is(err, network.ErrUnauthorized) {
		return fmt.Errorf("%w: %s: %s", ErrUploadRejected, event, ackErr.Message)
	}
	return fmt.Errorf("%s: %w", event, err)
}

func partCount(size, partSize int) int {
	if size == 0 {
		return 0
	}
	return (size + partSize - 1) / partSize
}
