package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/reelsync/reelsync/internal/conflict"
	"github.com/reelsync/reelsync/internal/protocol"
)

// fakePlayer records the corrections applied to it.
type fakePlayer struct {
	position float64
	playing  bool
}

func (p *fakePlayer) Position() float64       { return p.position }
func (p *fakePlayer) Seek(pos float64)        { p.position = pos }
func (p *fakePlayer) SetPlaying(playing bool) { p.playing = playing }

func newTestClient(clock clockwork.Clock) (*Client, *fakePlayer) {
	player := &fakePlayer{}
	c := New(Config{
		RoomID:      "movie-night",
		MemberID:    "alice",
		DisplayName: "Alice",
	}, clock, player)
	return c, player
}

func stateAt(clock clockwork.Clock, version uint64, position float64, playing bool) protocol.SyncState {
	return protocol.SyncState{
		Position:        position,
		IsPlaying:       playing,
		PlaybackRate:    1,
		SyncVersion:     version,
		ServerTimestamp: clock.Now().UnixMilli(),
	}
}

// newCaptureConn hands back a dialed WebSocket whose server side forwards
// everything it receives to a channel.
func newCaptureConn(t *testing.T) (*websocket.Conn, chan *protocol.Message, func()) {
	t.Helper()

	received := make(chan *protocol.Message, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg protocol.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			received <- &msg
		}
	}))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, received, func() {
		conn.Close()
		server.Close()
	}
}

func waitMessage(t *testing.T, ch chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("expected a message, got none")
		return nil
	}
}

func TestIngestState_NewerVersionBecomesBaseline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)

	c.ingestState(context.Background(), stateAt(clock, 5, 100.0, true))

	// A seek moves the room far beyond the conflict tolerance. The stamped
	// v6 broadcast is the room advancing and must replace the baseline, not
	// be arbitrated away.
	clock.Advance(2 * time.Second)
	c.ingestState(context.Background(), stateAt(clock, 6, 500.0, true))

	got, ok := c.detector.Last()
	if !ok || got.SyncVersion != 6 || got.Position != 500.0 {
		t.Fatalf("baseline = v%d pos %.1f, want v6 pos 500.0", got.SyncVersion, got.Position)
	}
}

func TestIngestState_StaleViewDiscarded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)

	c.ingestState(context.Background(), stateAt(clock, 5, 100.0, true))
	c.ingestState(context.Background(), stateAt(clock, 3, 999.0, false))

	got, _ := c.detector.Last()
	if got.SyncVersion != 5 || got.Position != 100.0 {
		t.Errorf("baseline = v%d pos %.1f, want v5 pos 100.0 retained", got.SyncVersion, got.Position)
	}
}

func TestIngestState_DuplicateVersionKeepsFirstApplied(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)

	c.ingestState(context.Background(), stateAt(clock, 5, 100.0, true))

	// Same version, materially different position: a duplicate or reordered
	// delivery. Under server-wins the view already applied stays.
	dup := stateAt(clock, 5, 400.0, true)
	c.ingestState(context.Background(), dup)

	got, _ := c.detector.Last()
	if got.Position != 100.0 {
		t.Errorf("baseline position = %.1f, want 100.0 retained", got.Position)
	}
}

func TestHandleMessage_SeekBroadcastKeepsPlayState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)

	c.detector.Observe(stateAt(clock, 1, 100.0, true))

	clock.Advance(time.Second)
	msg := protocol.NewMessage(protocol.MessageTypeSeek, "movie-night", "bob", protocol.SeekPayload{Position: 250}).
		Stamp(2, clock.Now())
	c.handleMessage(context.Background(), msg)

	got, _ := c.detector.Last()
	if got.SyncVersion != 2 || got.Position != 250 {
		t.Fatalf("baseline = v%d pos %.1f, want v2 pos 250", got.SyncVersion, got.Position)
	}
	if !got.IsPlaying {
		t.Error("seek broadcast lost the playing state")
	}
}

func TestSendControl_SuppressesCorrectionEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, player := newTestClient(clock)
	conn, received, cleanup := newCaptureConn(t)
	defer cleanup()
	c.conn = conn

	player.position = 10
	c.detector.Observe(stateAt(clock, 1, 100.0, true))
	clock.Advance(5 * time.Second)
	c.detector.Check()

	if c.detector.Corrections() != 1 {
		t.Fatal("expected a corrective seek to arm suppression")
	}

	// The player re-emits the programmatic seek; it must not go out. A real
	// user seek afterwards must.
	c.Seek(player.position)
	c.Seek(260)

	msg := waitMessage(t, received)
	if msg.Type != protocol.MessageTypeSeek {
		t.Fatalf("message type = %q, want seek", msg.Type)
	}
	var p protocol.SeekPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.Fatalf("seek payload: %v", err)
	}
	if p.Position != 260 {
		t.Errorf("emitted position = %.1f, want 260 (correction echo leaked)", p.Position)
	}
	select {
	case extra := <-received:
		t.Errorf("unexpected extra message %q emitted", extra.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleMessage_VoteRequestAnsweredFromBaseline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)
	conn, received, cleanup := newCaptureConn(t)
	defer cleanup()
	c.conn = conn

	c.detector.Observe(stateAt(clock, 3, 42.0, false))

	c.handleMessage(context.Background(), protocol.NewMessage(protocol.MessageTypeVoteRequest, "movie-night", "bob", protocol.VoteRequestPayload{ConflictID: "c-1"}))

	msg := waitMessage(t, received)
	if msg.Type != protocol.MessageTypeVoteResponse {
		t.Fatalf("message type = %q, want conflict-vote-response", msg.Type)
	}
	var p protocol.VoteResponsePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.Fatalf("vote payload: %v", err)
	}
	if p.ConflictID != "c-1" || p.State.SyncVersion != 3 {
		t.Errorf("vote = %+v, want conflict c-1 with v3 baseline", p)
	}
}

func TestHandleMessage_VoteRequestWithoutBaselineStaysSilent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)
	conn, received, cleanup := newCaptureConn(t)
	defer cleanup()
	c.conn = conn

	c.handleMessage(context.Background(), protocol.NewMessage(protocol.MessageTypeVoteRequest, "movie-night", "bob", protocol.VoteRequestPayload{ConflictID: "c-2"}))

	select {
	case msg := <-received:
		t.Fatalf("voted %q without a state to vote with", msg.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleMessage_RoomStateAppliesAdvertisedSettings(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newTestClient(clock)

	payload := protocol.RoomStatePayload{
		State: stateAt(clock, 2, 30.0, false),
		Members: []protocol.MemberInfo{
			{MemberID: "alice", DisplayName: "Alice"},
			{MemberID: "bob", DisplayName: "Bob"},
			{MemberID: "carol", DisplayName: "Carol"},
		},
		Settings: protocol.SyncSettings{
			DriftIntervalMs:  1000,
			SyncTolerance:    4.0,
			ConflictStrategy: "latest-timestamp",
		},
	}
	c.handleMessage(context.Background(), protocol.NewMessage(protocol.MessageTypeRoomState, "movie-night", "", payload))

	if got := c.resolver.Strategy(); got != conflict.StrategyLatestTimestamp {
		t.Errorf("strategy = %v, want latest-timestamp adopted from room", got)
	}
	if got, ok := c.detector.Last(); !ok || got.SyncVersion != 2 {
		t.Errorf("baseline version = %d, want 2 from room state", got.SyncVersion)
	}
	if n := c.peerCount(); n != 2 {
		t.Errorf("peer count = %d, want 2 (roster minus self)", n)
	}
}
