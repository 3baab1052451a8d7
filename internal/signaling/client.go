// Package signaling implements the WebSocket client that bootstraps a
// session: room lifecycle, peer discovery, and address exchange. The server
// is an external deployable; the JSON protocol here is the contract.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koedame/jamlink/internal/jamerr"
)

// State is the connection state machine. It is a bare enum with no payload, so
// a UI polling loop can read it from a single atomic.
type State byte

const (
	StateDisconnected State = iota
	StateConnecting
	StateGatheringCandidates
	StateCheckingConnectivity
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateGatheringCandidates:
		return "gathering-candidates"
	case StateCheckingConnectivity:
		return "checking-connectivity"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// requestTimeout bounds every request/response exchange with the server.
const requestTimeout = 10 * time.Second

// reconnectAttempts is how many backoff rounds run before a transport loss
// becomes a hard disconnect.
const reconnectAttempts = 3

// backoffSchedule returns the wait before reconnect attempt n (0-based),
// doubling from 1 s and capped at 30 s.
func backoffSchedule(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Client is the signaling connection. Connect/CreateRoom/JoinRoom block the
// calling (orchestrator) goroutine; callbacks fire on the read-loop
// goroutine and must not block.
type Client struct {
	url   string
	state atomic.Uint32            // holds a State
	lastErr atomic.Pointer[string] // retrievable separately from the state

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex // serialises websocket writes

	// pending maps a response type to the waiter for an in-flight request.
	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	// candidates caches address exchange results by peer id so a
	// reconnect does not lose established UDP paths.
	candMu     sync.Mutex
	candidates map[string]Candidate

	// Callbacks are set before Connect and fired from the read loop.
	cbMu                 sync.RWMutex
	onParticipantJoined  func(Participant)
	onParticipantLeft    func(peerID string)
	onCandidate          func(Candidate)
	onRoomClosed         func()
	onDisconnected       func(reason string)
}

// NewClient returns a client for the given wss:// URL.
func NewClient(url string) *Client {
	return &Client{
		url:        url,
		pending:    make(map[string]chan Envelope),
		candidates: make(map[string]Candidate),
	}
}

// State returns the current machine state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(uint32(s)) }

// LastError returns the most recent failure description, or "".
func (c *Client) LastError() string {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Client) setLastError(msg string) {
	c.lastErr.Store(&msg)
}

// SetOnParticipantJoined registers the participant_joined callback.
func (c *Client) SetOnParticipantJoined(fn func(Participant)) {
	c.cbMu.Lock()
	c.onParticipantJoined = fn
	c.cbMu.Unlock()
}

// SetOnParticipantLeft registers the participant_left callback.
func (c *Client) SetOnParticipantLeft(fn func(peerID string)) {
	c.cbMu.Lock()
	c.onParticipantLeft = fn
	c.cbMu.Unlock()
}

// SetOnCandidate registers the ice_candidate callback.
func (c *Client) SetOnCandidate(fn func(Candidate)) {
	c.cbMu.Lock()
	c.onCandidate = fn
	c.cbMu.Unlock()
}

// SetOnRoomClosed registers the room_closed callback.
func (c *Client) SetOnRoomClosed(fn func()) {
	c.cbMu.Lock()
	c.onRoomClosed = fn
	c.cbMu.Unlock()
}

// SetOnDisconnected registers the hard-disconnect callback.
func (c *Client) SetOnDisconnected(fn func(reason string)) {
	c.cbMu.Lock()
	c.onDisconnected = fn
	c.cbMu.Unlock()
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, dialCancel := context.WithTimeout(ctx, requestTimeout)
	defer dialCancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		c.setLastError(err.Error())
		return jamerr.Wrap(jamerr.SignalingTransport, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(loopCtx, conn)
	return nil
}

// Close tears the connection down. Terminal: no reconnection follows.
func (c *Client) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // best-effort teardown
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// write serialises one envelope onto the socket.
func (c *Client) write(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return jamerr.New(jamerr.SignalingTransport, "not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// request sends an envelope and waits for the first event whose type is in
// wantTypes, or an error event, or the request timeout.
func (c *Client) request(env Envelope, wantTypes ...string) (Envelope, error) {
	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	for _, t := range wantTypes {
		c.pending[t] = ch
	}
	c.pending[TypeError] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		for _, t := range wantTypes {
			delete(c.pending, t)
		}
		delete(c.pending, TypeError)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return Envelope{}, err
	}

	select {
	case res := <-ch:
		if res.Type == TypeError {
			return Envelope{}, decodeServerError(res)
		}
		return res, nil
	case <-time.After(requestTimeout):
		return Envelope{}, jamerr.New(jamerr.SignalingTimeout, "no %v within %s", wantTypes, requestTimeout)
	}
}

// decodeServerError maps a server error event to the stable error kinds.
func decodeServerError(env Envelope) error {
	var se ServerError
	if err := json.Unmarshal(env.Payload, &se); err != nil {
		return jamerr.New(jamerr.SignalingProtocol, "undecodable error event")
	}
	switch se.Code {
	case "room_not_found":
		return jamerr.New(jamerr.RoomNotFound, "%s", se.Message)
	case "room_full":
		return jamerr.New(jamerr.RoomFull, "%s", se.Message)
	case "invalid_password":
		return jamerr.New(jamerr.InvalidPassword, "%s", se.Message)
	case "format_mismatch":
		return jamerr.New(jamerr.UnsupportedAudioFormat, "%s", se.Message)
	}
	return jamerr.New(jamerr.SignalingProtocol, "%s: %s", se.Code, se.Message)
}

// CreateRoom opens a room and returns its info.
func (c *Client) CreateRoom(req CreateRoom) (RoomInfo, error) {
	env, err := NewEnvelope(TypeCreateRoom, req)
	if err != nil {
		return RoomInfo{}, err
	}
	res, err := c.request(env, TypeRoomCreated)
	if err != nil {
		return RoomInfo{}, err
	}
	return decodeRoomInfo(res)
}

// JoinRoom joins by invite code and returns the room info.
func (c *Client) JoinRoom(req JoinRoom) (RoomInfo, error) {
	env, err := NewEnvelope(TypeJoinRoom, req)
	if err != nil {
		return RoomInfo{}, err
	}
	res, err := c.request(env, TypeRoomJoined)
	if err != nil {
		return RoomInfo{}, err
	}
	return decodeRoomInfo(res)
}

func decodeRoomInfo(env Envelope) (RoomInfo, error) {
	var info RoomInfo
	if err := json.Unmarshal(env.Payload, &info); err != nil {
		return RoomInfo{}, jamerr.Wrap(jamerr.SignalingProtocol, err)
	}
	return info, nil
}

// LeaveRoom notifies the server; best-effort.
func (c *Client) LeaveRoom() error {
	env, err := NewEnvelope(TypeLeaveRoom, nil)
	if err != nil {
		return err
	}
	return c.write(env)
}

// AdvertiseCandidate publishes this peer's reachable addresses to the room.
func (c *Client) AdvertiseCandidate(cand Candidate) error {
	c.setState(StateGatheringCandidates)
	env, err := NewEnvelope(TypeICECandidate, cand)
	if err != nil {
		return err
	}
	if err := c.write(env); err != nil {
		return err
	}
	c.setState(StateCheckingConnectivity)
	return nil
}

// MarkConnected records that hole-punching succeeded.
func (c *Client) MarkConnected() { c.setState(StateConnected) }

// CachedCandidates returns the address-exchange cache, keyed by peer id.
func (c *Client) CachedCandidates() map[string]Candidate {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	out := make(map[string]Candidate, len(c.candidates))
	for k, v := range c.candidates {
		out[k] = v
	}
	return out
}

// readLoop pumps server events, fires callbacks, and reconnects on
// transport loss.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return // deliberate Close
			}
			log.Printf("[signaling] read: %v", err)
			if next := c.reconnect(ctx); next != nil {
				conn = next
				continue
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes one server event to a pending request or a callback.
func (c *Client) dispatch(env Envelope) {
	c.pendingMu.Lock()
	waiter := c.pending[env.Type]
	c.pendingMu.Unlock()
	if waiter != nil {
		select {
		case waiter <- env:
		default:
		}
		return
	}

	c.cbMu.RLock()
	onJoined := c.onParticipantJoined
	onLeft := c.onParticipantLeft
	onCand := c.onCandidate
	onClosed := c.onRoomClosed
	c.cbMu.RUnlock()

	switch env.Type {
	case TypeParticipantJoined:
		var p Participant
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[signaling] bad participant_joined: %v", err)
			return
		}
		if onJoined != nil {
			onJoined(p)
		}
	case TypeParticipantLeft:
		var p Participant
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[signaling] bad participant_left: %v", err)
			return
		}
		if onLeft != nil {
			onLeft(p.PeerID)
		}
	case TypeICECandidate:
		var cand Candidate
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			log.Printf("[signaling] bad ice_candidate: %v", err)
			return
		}
		c.candMu.Lock()
		c.candidates[cand.PeerID] = cand
		c.candMu.Unlock()
		if onCand != nil {
			onCand(cand)
		}
	case TypeRoomClosed:
		if onClosed != nil {
			onClosed()
		}
	case TypeError:
		// Unsolicited server error: record it but keep the connection.
		if err := decodeServerError(env); err != nil {
			c.setLastError(err.Error())
			log.Printf("[signaling] server error: %v", err)
		}
	default:
		log.Printf("[signaling] unknown event type %q", env.Type)
	}
}

// reconnect runs the backoff schedule. Returns the new connection, or nil
// when reconnection is exhausted (hard disconnect, callback fired).
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	c.setState(StateReconnecting)

	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		wait := backoffSchedule(attempt)
		log.Printf("[signaling] reconnect attempt %d/%d in %s", attempt+1, reconnectAttempts, wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			c.setLastError(err.Error())
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		log.Printf("[signaling] reconnected")
		return conn
	}

	reason := fmt.Sprintf("signaling lost after %d reconnect attempts", reconnectAttempts)
	c.setLastError(reason)
	c.setState(StateDisconnected)
	c.cbMu.RLock()
	onDisc := c.onDisconnected
	c.cbMu.RUnlock()
	if onDisc != nil {
		onDisc(reason)
	}
	return nil
}
