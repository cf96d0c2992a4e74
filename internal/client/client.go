// Package client is the member-side binding of the sync engine: it dials a
// relay (or a hosting peer — the message contract is identical), keeps local
// playback reconciled via the drift corrector, measures connection health,
// and arbitrates disagreeing state views with the configured strategy.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/conflict"
	"github.com/reelsync/reelsync/internal/drift"
	"github.com/reelsync/reelsync/internal/health"
	"github.com/reelsync/reelsync/internal/protocol"
)

// Config holds everything needed to join a room.
type Config struct {
	ServerURL   string
	RoomID      string
	MemberID    string
	DisplayName string

	Drift    drift.Config
	Health   health.Config
	Conflict conflict.Config
	Strategy conflict.Strategy
}

// Client is one member's engine instance. All of its periodic tasks (drift
// checks, pings) are cancelled together when Run returns.
type Client struct {
	cfg   Config
	clock clockwork.Clock

	detector *drift.Detector
	monitor  *health.Monitor
	resolver *conflict.Resolver

	connMu sync.Mutex
	conn   *websocket.Conn

	rosterMu sync.Mutex
	roster   map[string]protocol.MemberInfo
}

// New builds a client around a local player. The zero Strategy, ServerWins,
// is correct when connecting to a central relay; peers hosting over a mesh
// use LatestTimestamp or Consensus.
func New(cfg Config, clock clockwork.Clock, player drift.Player) *Client {
	c := &Client{
		cfg:    cfg,
		clock:  clock,
		roster: make(map[string]protocol.MemberInfo),
	}
	c.detector = drift.NewDetector(clock, cfg.Drift, player)
	c.monitor = health.NewMonitor(clock, cfg.Health,
		c.sendPing,
		func(_ time.Duration, q health.Quality) { c.detector.SetQuality(q) },
		func() { c.close() },
	)
	c.resolver = conflict.NewResolver(clock, cfg.Conflict, cfg.Strategy, c.requestVotes, c.peerCount)
	return c
}

// Run dials the room and blocks until the connection drops or the context is
// cancelled. Leaving stops every timer scoped to the room.
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Member-ID", c.cfg.MemberID)
	header.Set("X-Display-Name", c.cfg.DisplayName)

	url := fmt.Sprintf("%s/ws?room=%s", c.cfg.ServerURL, c.cfg.RoomID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.detector.Run(runCtx)
	go c.monitor.Run(runCtx)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		c.handleMessage(runCtx, &msg)
	}
}

// Play emits a user play intent, unless the event was caused by a
// programmatic correction.
func (c *Client) Play(position float64) {
	c.sendControl(protocol.MessageTypePlay, protocol.PlayPayload{Position: position, ClientTs: c.clock.Now().UnixMilli()})
}

// Pause emits a user pause intent.
func (c *Client) Pause(position float64) {
	c.sendControl(protocol.MessageTypePause, protocol.PausePayload{Position: position, ClientTs: c.clock.Now().UnixMilli()})
}

// Seek emits a user seek intent.
func (c *Client) Seek(position float64) {
	c.sendControl(protocol.MessageTypeSeek, protocol.SeekPayload{Position: position, ClientTs: c.clock.Now().UnixMilli()})
}

// ChangeMedia emits a media switch intent.
func (c *Client) ChangeMedia(mediaID string) {
	c.sendControl(protocol.MessageTypeMediaChange, protocol.MediaChangePayload{MediaID: mediaID, ClientTs: c.clock.Now().UnixMilli()})
}

// RequestSync asks for a full snapshot.
func (c *Client) RequestSync() {
	c.send(protocol.NewMessage(protocol.MessageTypeSyncRequest, c.cfg.RoomID, c.cfg.MemberID, protocol.SyncRequestPayload{}))
}

// BeginSeek marks a user scrub as in flight so drift correction stays out of
// the way; EndSeek releases it.
func (c *Client) BeginSeek() { c.detector.BeginSeek() }

// EndSeek releases the scrub guard.
func (c *Client) EndSeek() { c.detector.EndSeek() }

// Detector exposes the drift corrector, mainly for wiring and stats.
func (c *Client) Detector() *drift.Detector { return c.detector }

// Resolver exposes the conflict resolver.
func (c *Client) Resolver() *conflict.Resolver { return c.resolver }

func (c *Client) sendControl(t protocol.MessageType, payload any) {
	if c.detector.ConsumeSuppression() {
		log.Debug().Str("type", string(t)).Msg("suppressing correction echo")
		return
	}
	c.send(protocol.NewMessage(t, c.cfg.RoomID, c.cfg.MemberID, payload))
}

func (c *Client) handleMessage(ctx context.Context, msg *protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type)).Msg("discarding malformed payload")
		return
	}

	switch p := payload.(type) {
	case protocol.PlayPayload:
		s := c.baseState(msg)
		s.Position, s.IsPlaying = p.Position, true
		c.ingestState(ctx, s)
	case protocol.PausePayload:
		s := c.baseState(msg)
		s.Position, s.IsPlaying = p.Position, false
		c.ingestState(ctx, s)
	case protocol.SeekPayload:
		s := c.baseState(msg)
		s.Position = p.Position
		c.ingestState(ctx, s)
	case protocol.MediaChangePayload:
		s := c.baseState(msg)
		s.MediaID, s.Position, s.IsPlaying = p.MediaID, 0, false
		c.ingestState(ctx, s)

	case protocol.SyncResponsePayload:
		c.ingestState(ctx, p.State)

	case protocol.RoomStatePayload:
		c.rosterMu.Lock()
		c.roster = make(map[string]protocol.MemberInfo, len(p.Members))
		for _, m := range p.Members {
			c.roster[m.MemberID] = m
		}
		c.rosterMu.Unlock()
		c.applySettings(p.Settings)
		c.ingestState(ctx, p.State)

	case protocol.PongPayload:
		c.monitor.HandlePong(p)

	case protocol.QualityPayload:
		// Authority-measured view of this link; fold it in the same way.
		c.detector.SetQuality(health.Quality(p.Quality))

	case protocol.UserJoinedPayload:
		c.rosterMu.Lock()
		c.roster[p.MemberID] = protocol.MemberInfo{MemberID: p.MemberID, DisplayName: p.DisplayName}
		c.rosterMu.Unlock()

	case protocol.UserLeftPayload:
		c.rosterMu.Lock()
		delete(c.roster, p.MemberID)
		c.rosterMu.Unlock()

	case protocol.VoteRequestPayload:
		if current, ok := c.detector.Last(); ok {
			c.send(protocol.NewMessage(protocol.MessageTypeVoteResponse, c.cfg.RoomID, c.cfg.MemberID, protocol.VoteResponsePayload{
				ConflictID: p.ConflictID,
				State:      current,
			}))
		}

	case protocol.VoteResponsePayload:
		c.resolver.SubmitVote(p.ConflictID, p.State)

	case protocol.ErrorPayload:
		log.Warn().Str("message", p.Message).Msg("server rejected request")
	}
}

// ingestState routes an incoming state view through the version gate and,
// when views materially disagree, the conflict resolver. Whatever wins
// becomes the drift corrector's baseline.
func (c *Client) ingestState(ctx context.Context, incoming protocol.SyncState) {
	current, ok := c.detector.Last()
	if !ok || incoming.SyncVersion > current.SyncVersion {
		// A strictly newer stamped view is the room advancing; it passes the
		// version gate directly. Resolution only arbitrates equal-version
		// duplicates and reordered delivery.
		c.detector.Observe(incoming)
		return
	}

	switch c.resolver.Detect(incoming, current) {
	case conflict.VerdictStale:
		log.Debug().
			Uint64("incoming", incoming.SyncVersion).
			Uint64("current", current.SyncVersion).
			Msg("discarding stale state view")
		return

	case conflict.VerdictConflict:
		res := c.resolver.Resolve(ctx, incoming, current)
		if !res.KeptCurrent {
			c.detector.Observe(res.Winner)
		}
		return

	default:
		c.detector.Observe(incoming)
	}
}

// applySettings adopts the sync policy the room advertised on join. Zero
// fields leave the member's own defaults in place.
func (c *Client) applySettings(s protocol.SyncSettings) {
	if s.DriftIntervalMs > 0 {
		c.detector.SetCheckInterval(time.Duration(s.DriftIntervalMs) * time.Millisecond)
	}
	if s.SyncTolerance > 0 {
		c.detector.SetTolerance(s.SyncTolerance)
	}
	if s.ConflictStrategy != "" {
		strategy, err := conflict.ParseStrategy(s.ConflictStrategy)
		if err != nil {
			log.Warn().Str("strategy", s.ConflictStrategy).Msg("ignoring unknown advertised conflict strategy")
		} else {
			c.resolver.SetStrategy(strategy)
		}
	}
}

func (c *Client) requestVotes(conflictID string) {
	c.send(protocol.NewMessage(protocol.MessageTypeVoteRequest, c.cfg.RoomID, c.cfg.MemberID, protocol.VoteRequestPayload{ConflictID: conflictID}))
}

func (c *Client) peerCount() int {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	n := len(c.roster)
	if _, ok := c.roster[c.cfg.MemberID]; ok {
		n--
	}
	return n
}

func (c *Client) sendPing(p protocol.PingPayload) {
	c.send(protocol.NewMessage(protocol.MessageTypePing, c.cfg.RoomID, c.cfg.MemberID, p))
}

func (c *Client) send(msg *protocol.Message) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type)).Msg("send failed")
	}
}

func (c *Client) close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// baseState reconstructs the state view a stamped control broadcast implies:
// the fields the event does not touch carry over from the current baseline,
// while version and timestamp come from the stamp.
func (c *Client) baseState(msg *protocol.Message) protocol.SyncState {
	s, ok := c.detector.Last()
	if !ok {
		s = protocol.InitialState()
	}
	s.SyncVersion = msg.SyncVersion
	s.ServerTimestamp = msg.ServerTimestamp
	return s
}
