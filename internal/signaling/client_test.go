package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koedame/jamlink/internal/jamerr"
)

// testServer is a scripted signaling server for client tests.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	// handle maps a received message type to its scripted response.
	handle func(conn *websocket.Conn, env Envelope)
}

func newTestServer(t *testing.T, handle func(*websocket.Conn, Envelope)) *testServer {
	ts := &testServer{t: t, handle: handle}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if ts.handle != nil {
				ts.handle(conn, env)
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

// url rewrites the http test URL into a ws:// one.
func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) send(env Envelope) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.WriteJSON(env) //nolint:errcheck
	}
}

func mustEnvelope(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestConnectAndState(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.url())
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
	c.Close()
	if c.State() != StateDisconnected {
		t.Errorf("state after close = %s", c.State())
	}
}

func TestConnectRefused(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")
	err := c.Connect(context.Background())
	if !jamerr.Is(err, jamerr.SignalingTransport) {
		t.Fatalf("err = %v, want signaling_transport", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}
	if c.LastError() == "" {
		t.Error("last error empty after failed dial")
	}
}

func TestCreateRoom(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, env Envelope) {
		if env.Type != TypeCreateRoom {
			return
		}
		var req CreateRoom
		json.Unmarshal(env.Payload, &req) //nolint:errcheck
		if req.Name != "garage" || req.SampleRate != 48000 {
			conn.WriteJSON(mustEnvelopeRaw(TypeError, ServerError{Code: "bad_request"})) //nolint:errcheck
			return
		}
		conn.WriteJSON(mustEnvelopeRaw(TypeRoomCreated, RoomInfo{ //nolint:errcheck
			RoomID: "r1", PeerID: "p1", InviteCode: "JAZZ",
		}))
	})

	c := NewClient(ts.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	info, err := c.CreateRoom(CreateRoom{Name: "garage", PeerName: "ana", SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if info.RoomID != "r1" || info.PeerID != "p1" || info.InviteCode != "JAZZ" {
		t.Errorf("info = %+v", info)
	}
}

// mustEnvelopeRaw builds an envelope outside a test helper context.
func mustEnvelopeRaw(typ string, payload any) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func TestJoinRoomErrors(t *testing.T) {
	cases := []struct {
		code string
		want jamerr.Kind
	}{
		{"room_not_found", jamerr.RoomNotFound},
		{"room_full", jamerr.RoomFull},
		{"invalid_password", jamerr.InvalidPassword},
		{"format_mismatch", jamerr.UnsupportedAudioFormat},
		{"weird", jamerr.SignalingProtocol},
	}
	for _, tc := range cases {
		code := tc.code
		ts := newTestServer(t, func(conn *websocket.Conn, env Envelope) {
			if env.Type == TypeJoinRoom {
				conn.WriteJSON(mustEnvelopeRaw(TypeError, ServerError{Code: code, Message: "no"})) //nolint:errcheck
			}
		})
		c := NewClient(ts.url())
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		_, err := c.JoinRoom(JoinRoom{InviteCode: "XXXX"})
		if !jamerr.Is(err, tc.want) {
			t.Errorf("code %q: err = %v, want kind %q", tc.code, err, tc.want)
		}
		c.Close()
	}
}

func TestServerEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.url())

	joined := make(chan Participant, 1)
	left := make(chan string, 1)
	cands := make(chan Candidate, 1)
	closed := make(chan struct{}, 1)
	c.SetOnParticipantJoined(func(p Participant) { joined <- p })
	c.SetOnParticipantLeft(func(id string) { left <- id })
	c.SetOnCandidate(func(cand Candidate) { cands <- cand })
	c.SetOnRoomClosed(func() { closed <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ts.send(mustEnvelope(t, TypeParticipantJoined, Participant{PeerID: "p2", Name: "bo", SampleRate: 48000}))
	select {
	case p := <-joined:
		if p.PeerID != "p2" || p.Name != "bo" {
			t.Errorf("participant = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("participant_joined never fired")
	}

	ts.send(mustEnvelope(t, TypeICECandidate, Candidate{PeerID: "p2", PublicAddr: "203.0.113.9:7000"}))
	select {
	case cand := <-cands:
		if cand.PublicAddr != "203.0.113.9:7000" {
			t.Errorf("candidate = %+v", cand)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ice_candidate never fired")
	}
	// Candidates are cached for reconnects.
	if got := c.CachedCandidates()["p2"].PublicAddr; got != "203.0.113.9:7000" {
		t.Errorf("cache = %q", got)
	}

	ts.send(mustEnvelope(t, TypeParticipantLeft, Participant{PeerID: "p2"}))
	select {
	case id := <-left:
		if id != "p2" {
			t.Errorf("left id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("participant_left never fired")
	}

	ts.send(mustEnvelope(t, TypeRoomClosed, nil))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("room_closed never fired")
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := backoffSchedule(i); got != w {
			t.Errorf("attempt %d: %s, want %s", i, got, w)
		}
	}
}

func TestStateStrings(t *testing.T) {
	states := map[State]string{
		StateDisconnected:         "disconnected",
		StateConnecting:           "connecting",
		StateGatheringCandidates:  "gathering-candidates",
		StateCheckingConnectivity: "checking-connectivity",
		StateConnected:            "connected",
		StateReconnecting:         "reconnecting",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d = %q, want %q", s, s.String(), want)
		}
	}
}

func TestAdvertiseCandidateStateWalk(t *testing.T) {
	ts := newTestServer(t, nil)
	c := NewClient(ts.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AdvertiseCandidate(Candidate{PeerID: "me", PublicAddr: "203.0.113.1:5000"}); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateCheckingConnectivity {
		t.Errorf("state = %s, want checking-connectivity", c.State())
	}
	c.MarkConnected()
	if c.State() != StateConnected {
		t.Errorf("state = %s", c.State())
	}
}
