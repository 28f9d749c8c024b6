package session

import (
	"context"
	"sync"
)

// Channel events used to rebuild membership.
const (
	RoomJoinEvent     = "room:join"
	VoiceJoinEvent    = "voice:join"
	ActivityPingEvent = "activity:ping"
	AuthTokenEvent    = "auth:token"
	ForcedLogoutEvent = "session:logout"
)

// RoomController rejoins rooms and voice after a reconnect.
type RoomController interface {
	JoinRoom(ctx context.Context, room string) error
	JoinVoice(ctx context.Context, room string) error
	// TeardownVoice drops locally held voice state without talking to the server.
	TeardownVoice()
}

// Caller issues authenticated requests.
type Caller interface {
	Request(ctx context.Context, event string, payload any, reply any) error
}

type roomRequest struct {
	Room string `json:"room"`
}

// ChannelRooms is a RoomController that joins through channel requests and
// holds a capture reference while voice is active.
type ChannelRooms struct {
	caller  Caller
	capture *CaptureRefs

	mu      sync.Mutex
	release func()
}

// NewChannelRooms creates a controller. capture may be nil when the client has no media.
func NewChannelRooms(caller Caller, capture *CaptureRefs) *ChannelRooms {
	return &ChannelRooms{caller: caller, capture: capture}
}

func (r *ChannelRooms) JoinRoom(ctx context.Context, room string) error {
	return r.caller.Request(ctx, RoomJoinEvent, roomRequest{Room: room}, nil)
}

func (r *ChannelRooms) JoinVoice(ctx context.Context, room string) error {
	var release func()
	if r.capture != nil {
		var err error
		if release, err = r.capture.Acquire(); err != nil {
			return err
		}
	}
	if err := r.caller.Request(ctx, VoiceJoinEvent, roomRequest{Room: room}, nil); err != nil {
		if release != nil {
			release()
		}
		return err
	}

	r.mu.Lock()
	previous := r.release
	r.release = release
	r.mu.Unlock()
	if previous != nil {
		previous()
	}
	return nil
}

func (r *ChannelRooms) TeardownVoice() {
	r.mu.Lock()
	release := r.release
	r.release = nil
	r.mu.Unlock()
	if release != nil {
		release()
	}
}
