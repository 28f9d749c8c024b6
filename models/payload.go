package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadVersion is the current plaintext payload schema version.
const PayloadVersion = 1

// PayloadKind tags the variant carried inside an envelope.
type PayloadKind string

const (
	KindText          PayloadKind = "text"
	KindFileReference PayloadKind = "file-reference"
	KindShare         PayloadKind = "structured-share"
)

var (
	// ErrUnknownPayloadKind indicates a payload whose kind tag is not recognised.
	ErrUnknownPayloadKind = errors.New("models: unknown payload kind")
	// ErrUnsupportedPayloadVersion indicates a payload from a newer schema.
	ErrUnsupportedPayloadVersion = errors.New("models: unsupported payload version")
)

// Payload is the decrypted content of an envelope. Exactly one of Text, File
// or Share is set, matching Kind.
type Payload struct {
	Version int            `json:"v"`
	Kind    PayloadKind    `json:"kind"`
	Text    string         `json:"text,omitempty"`
	File    *FileReference `json:"file,omitempty"`
	Share   *Share         `json:"share,omitempty"`
}

// FileReference points at a file delivered through the fallback store.
type FileReference struct {
	FileID      string `json:"file_id"`
	Name        string `json:"name"`
	Mime        string `json:"mime,omitempty"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

// Share is an application-defined structured object (room invite, link card, ...).
type Share struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextPayload builds a text payload.
func TextPayload(text string) Payload {
	return Payload{Version: PayloadVersion, Kind: KindText, Text: text}
}

// FilePayload builds a file-reference payload.
func FilePayload(ref FileReference) Payload {
	return Payload{Version: PayloadVersion, Kind: KindFileReference, File: &ref}
}

// SharePayload builds a structured-share payload.
func SharePayload(shareType string, data json.RawMessage) Payload {
	return Payload{Version: PayloadVersion, Kind: KindShare, Share: &Share{Type: shareType, Data: data}}
}

// Validate checks that the kind tag and the populated variant agree.
func (p Payload) Validate() error {
	if p.Version < 1 || p.Version > PayloadVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedPayloadVersion, p.Version)
	}
	switch p.Kind {
	case KindText:
		if p.File != nil || p.Share != nil {
			return errors.New("models: text payload carries another variant")
		}
	case KindFileReference:
		if p.File == nil || p.File.FileID == "" {
			return errors.New("models: file-reference payload without file_id")
		}
		if p.Share != nil {
			return errors.New("models: file-reference payload carries a share")
		}
	case KindShare:
		if p.Share == nil || p.Share.Type == "" {
			return errors.New("models: structured-share payload without type")
		}
		if p.File != nil {
			return errors.New("models: structured-share payload carries a file")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayloadKind, p.Kind)
	}
	return nil
}

// EncodePayload validates and marshals a payload.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals and validates a payload at the boundary.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
