package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"securechat/network"
)

type queuedEvent struct {
	event string
	raw   json.RawMessage
}

// fakeRelay routes signaling events between endpoints by their "to" field,
// the way the server relays them.
type fakeRelay struct {
	mu        sync.Mutex
	endpoints map[string]*fakeEndpoint
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{endpoints: make(map[string]*fakeEndpoint)}
}

func (r *fakeRelay) endpoint(t *testing.T, id string) *fakeEndpoint {
	t.Helper()

	ep := &fakeEndpoint{
		id:       id,
		relay:    r,
		handlers: make(map[string]map[int]func(json.RawMessage)),
		queue:    make(chan queuedEvent, 256),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.endpoints[id] = ep
	r.mu.Unlock()

	go ep.run()
	t.Cleanup(func() { close(ep.done) })
	return ep
}

func (r *fakeRelay) deliver(to, event string, raw json.RawMessage) bool {
	r.mu.Lock()
	ep := r.endpoints[to]
	r.mu.Unlock()
	if ep == nil {
		return false
	}
	select {
	case ep.queue <- queuedEvent{event: event, raw: raw}:
	case <-ep.done:
	}
	return true
}

type fakeEndpoint struct {
	id    string
	relay *fakeRelay

	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	next     int
	emitted  []string

	queue chan queuedEvent
	done  chan struct{}
}

func (e *fakeEndpoint) run() {
	for {
		select {
		case q := <-e.queue:
			e.mu.Lock()
			handlers := make([]func(json.RawMessage), 0, len(e.handlers[q.event]))
			for _, handler := range e.handlers[q.event] {
				handlers = append(handlers, handler)
			}
			e.mu.Unlock()
			for _, handler := range handlers {
				handler(q.raw)
			}
		case <-e.done:
			return
		}
	}
}

func (e *fakeEndpoint) send(event string, payload any) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	var address struct {
		To string `json:"to"`
	}
	_ = json.Unmarshal(raw, &address)

	e.mu.Lock()
	e.emitted = append(e.emitted, event)
	e.mu.Unlock()
	return e.relay.deliver(address.To, event, raw), nil
}

func (e *fakeEndpoint) Emit(ctx context.Context, event string, payload any) error {
	_, err := e.send(event, payload)
	return err
}

func (e *fakeEndpoint) Request(ctx context.Context, event string, payload any, reply any) error {
	delivered, err := e.send(event, payload)
	if err != nil {
		return err
	}
	status := DeliveryOffline
	if delivered {
		status = DeliveryDelivered
	}
	if reply == nil {
		return nil
	}
	raw, _ := json.Marshal(offerAck{Status: status})
	return json.Unmarshal(raw, reply)
}

func (e *fakeEndpoint) On(event string, handler func(json.RawMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := e.next
	e.next++
	e.handlers[event][id] = handler
	return func() {
		e.mu.Lock()
		delete(e.handlers[event], id)
		e.mu.Unlock()
	}
}

func (e *fakeEndpoint) emittedCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, emitted := range e.emitted {
		if emitted == event {
			count++
		}
	}
	return count
}

// memNetwork hands out in-memory link pairs with optional drain delay,
// stall and forced failure.
type memNetwork struct {
	mu     sync.Mutex
	expect map[string]memExpectation

	drainDelay time.Duration
	stallAfter int64
	failAfter  int64

	maxBuffered atomic.Int64
}

type memExpectation struct {
	key   []byte
	links chan Link
}

func newMemNetwork() *memNetwork {
	return &memNetwork{expect: make(map[string]memExpectation)}
}

func (m *memNetwork) links(owner string) *memLinks {
	return &memLinks{network: m, owner: owner}
}

func (m *memNetwork) observe(buffered int64) {
	for {
		current := m.maxBuffered.Load()
		if buffered <= current || m.maxBuffered.CompareAndSwap(current, buffered) {
			return
		}
	}
}

type memLinks struct {
	network *memNetwork
	owner   string
}

func (l *memLinks) Accept(transferID string, linkKey []byte) (Acceptance, error) {
	out := make(chan Link, 1)
	l.network.mu.Lock()
	l.network.expect[transferID] = memExpectation{key: linkKey, links: out}
	l.network.mu.Unlock()

	var once sync.Once
	return Acceptance{
		Candidates: []string{"mem://" + l.owner},
		Links:      out,
		Cancel: func() {
			once.Do(func() {
				l.network.mu.Lock()
				delete(l.network.expect, transferID)
				l.network.mu.Unlock()
			})
		},
	}, nil
}

func (l *memLinks) Dial(ctx context.Context, address, transferID string, linkKey []byte) (Link, error) {
	if !strings.HasPrefix(address, "mem://") {
		return nil, fmt.Errorf("unknown address %q", address)
	}
	l.network.mu.Lock()
	expectation, ok := l.network.expect[transferID]
	if ok && bytes.Equal(expectation.key, linkKey) {
		delete(l.network.expect, transferID)
	}
	l.network.mu.Unlock()

	if !ok {
		return nil, errors.New("nobody expects this transfer")
	}
	if !bytes.Equal(expectation.key, linkKey) {
		return nil, network.ErrLinkRejected
	}

	accepted, dialed := newMemLink(l.network), newMemLink(l.network)
	accepted.peer, dialed.peer = dialed, accepted
	go accepted.writeLoop()
	go dialed.writeLoop()

	expectation.links <- accepted
	return dialed, nil
}

// memFrameOverhead stands in for the nonce and tag a sealed frame carries, so
// bodiless frames such as acks still occupy the send buffer until delivered.
const memFrameOverhead = 40

type memLink struct {
	network *memNetwork
	peer    *memLink

	mu       sync.Mutex
	buffered atomic.Int64
	queue    chan network.LinkMessage
	inbound  chan network.LinkMessage
	closed   chan struct{}
	once     sync.Once
}

func newMemLink(n *memNetwork) *memLink {
	return &memLink{
		network: n,
		queue:   make(chan network.LinkMessage, 4096),
		inbound: make(chan network.LinkMessage, 4096),
		closed:  make(chan struct{}),
	}
}

func (l *memLink) Send(message network.LinkMessage) error {
	message.Body = append([]byte(nil), message.Body...)

	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return network.ErrLinkClosed
	default:
	}
	l.network.observe(l.buffered.Add(int64(len(message.Body) + memFrameOverhead)))
	l.mu.Unlock()

	select {
	case l.queue <- message:
		return nil
	case <-l.closed:
		return network.ErrLinkClosed
	}
}

func (l *memLink) writeLoop() {
	var sent int64
	for {
		select {
		case message := <-l.queue:
			if l.network.drainDelay > 0 {
				time.Sleep(l.network.drainDelay)
			}
			if l.network.stallAfter > 0 && sent >= l.network.stallAfter {
				<-l.closed
				return
			}
			select {
			case l.peer.inbound <- message:
			case <-l.closed:
				return
			}

			l.mu.Lock()
			select {
			case <-l.closed:
			default:
				l.buffered.Add(-int64(len(message.Body) + memFrameOverhead))
			}
			l.mu.Unlock()

			sent += int64(len(message.Body))
			if l.network.failAfter > 0 && sent >= l.network.failAfter {
				_ = l.Close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *memLink) Receive(ctx context.Context) (network.LinkMessage, error) {
	select {
	case message := <-l.inbound:
		return message, nil
	case <-l.closed:
		select {
		case message := <-l.inbound:
			return message, nil
		default:
		}
		return network.LinkMessage{}, network.ErrLinkClosed
	case <-ctx.Done():
		return network.LinkMessage{}, ctx.Err()
	}
}

func (l *memLink) BufferedAmount() int {
	return int(l.buffered.Load())
}

func (l *memLink) Flush(ctx context.Context) error {
	for l.BufferedAmount() > 0 {
		select {
		case <-time.After(time.Millisecond):
		case <-l.closed:
			return network.ErrLinkClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *memLink) Close() error {
	l.shutdown()
	l.peer.shutdown()
	return nil
}

func (l *memLink) shutdown() {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		l.buffered.Store(0)
		l.mu.Unlock()
	})
}

type recordingUploader struct {
	mu    sync.Mutex
	files []File
	peers []string
}

func (u *recordingUploader) UploadFile(ctx context.Context, peerID string, file File) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files = append(u.files, file)
	u.peers = append(u.peers, peerID)
	return fmt.Sprintf("fallback-%d", len(u.files)), nil
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.files)
}

type historyRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (h *historyRecorder) RecordTransfer(record Record) error {
	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return nil
}

func (h *historyRecorder) find(transferID string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, record := range h.records {
		if record.TransferID == transferID && record.FallbackFileID == "" {
			return record, true
		}
	}
	return Record{}, false
}

func (h *historyRecorder) first() (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return Record{}, false
	}
	return h.records[0], true
}

type testPeer struct {
	id       string
	neg      *Negotiator
	endpoint *fakeEndpoint
	uploader *recordingUploader
	history  *historyRecorder
	received chan ReceivedFile
}

func newTestPeer(t *testing.T, relay *fakeRelay, links Links, id string, configure func(*Options)) *testPeer {
	t.Helper()

	peer := &testPeer{
		id:       id,
		endpoint: relay.endpoint(t, id),
		uploader: &recordingUploader{},
		history:  &historyRecorder{},
		received: make(chan ReceivedFile, 4),
	}
	options := Options{
		LocalID:          id,
		Signaler:         peer.endpoint,
		Links:            links,
		Fallback:         peer.uploader,
		History:          peer.history,
		HandshakeTimeout: 2 * time.Second,
		AcceptTimeout:    2 * time.Second,
		TransferTimeout:  5 * time.Second,
		OnFileReceived: func(file ReceivedFile) {
			peer.received <- file
		},
	}
	if configure != nil {
		configure(&options)
	}

	neg, err := NewNegotiator(options)
	if err != nil {
		t.Fatalf("NewNegotiator failed: %v", err)
	}
	t.Cleanup(neg.Close)
	peer.neg = neg
	return peer
}

func acceptAll(context.Context, IncomingOffer) bool { return true }

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", message)
}

func waitForRecord(t *testing.T, history *historyRecorder, transferID string) Record {
	t.Helper()

	var record Record
	waitForCondition(t, 5*time.Second, func() bool {
		var ok bool
		record, ok = history.find(transferID)
		return ok
	}, "history record for "+transferID)
	return record
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}
