package transfer

import (
	"context"
	"encoding/json"
)

// Signaling event names relayed by the server.
const (
	EventOffer     = "transfer:offer"
	EventAnswer    = "transfer:answer"
	EventDecline   = "transfer:decline"
	EventCandidate = "transfer:candidate"
	EventCancel    = "transfer:cancel"
)

// Offer delivery statuses acknowledged by the relay.
const (
	DeliveryDelivered = "delivered"
	DeliveryOffline   = "offline"
)

// Signaler is the authenticated channel as seen by the negotiator.
type Signaler interface {
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any, reply any) error
	On(event string, handler func(json.RawMessage)) func()
}

type offerMessage struct {
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Name       string `json:"name"`
	Mime       string `json:"mime,omitempty"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	LinkKey    string `json:"linkKey"`
}

type offerAck struct {
	Status string `json:"status"`
}

type answerMessage struct {
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	To         string `json:"to"`
	LinkKey    string `json:"linkKey"`
}

type declineMessage struct {
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
}

type candidateMessage struct {
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Address    string `json:"address"`
}

type cancelMessage struct {
	TransferID string `json:"transferId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
}

// frame bodies carried on the peer link
type metaFrame struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

type doneFrame struct {
	Size int64 `json:"size"`
}

type errorFrame struct {
	Reason string `json:"reason"`
}
