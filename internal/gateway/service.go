package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/reelsync/reelsync/internal/directory"
	"github.com/reelsync/reelsync/internal/health"
	"github.com/reelsync/reelsync/internal/protocol"
	"github.com/reelsync/reelsync/internal/recovery"
	"github.com/reelsync/reelsync/internal/room"
)

// Publisher forwards stamped room events to other relay instances. Nil when
// running single-node.
type Publisher interface {
	Publish(ctx context.Context, roomID string, msg *protocol.Message) error
}

// Service binds the sync engine to the WebSocket relay transport: it
// authenticates joins, feeds control events to the room authority, fans
// stamped broadcasts back out, and runs recovery and stale-session eviction.
type Service struct {
	cm        *ConnectionManager
	registry  *room.Registry
	recoverer *recovery.Manager
	dir       directory.Directory
	publisher Publisher
	clock     clockwork.Clock
	healthCfg health.Config
	settings  protocol.SyncSettings
}

// NewService wires the relay binding. publisher may be nil. settings is the
// sync policy advertised to every joining member.
func NewService(cm *ConnectionManager, registry *room.Registry, recoverer *recovery.Manager, dir directory.Directory, publisher Publisher, clock clockwork.Clock, healthCfg health.Config, settings protocol.SyncSettings) *Service {
	return &Service{
		cm:        cm,
		registry:  registry,
		recoverer: recoverer,
		dir:       dir,
		publisher: publisher,
		clock:     clock,
		healthCfg: healthCfg,
		settings:  settings,
	}
}

// HandleWebSocket upgrades a join request. Identity is established upstream
// by the authentication collaborator and arrives as headers; requests without
// it never reach the room authority.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	memberID := r.Header.Get("X-Member-ID")
	displayName := r.Header.Get("X-Display-Name")
	roomID := r.URL.Query().Get("room")

	if memberID == "" {
		http.Error(w, "missing verified identity", http.StatusUnauthorized)
		return
	}
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	profile, err := s.dir.Lookup(r.Context(), memberID)
	if err != nil {
		if !errors.Is(err, directory.ErrUnknownMember) {
			log.Error().Err(err).Str("member_id", memberID).Msg("directory lookup failed")
			http.Error(w, "membership lookup failed", http.StatusInternalServerError)
			return
		}
		// Unknown to the store: allowed in, but view-only.
		profile = directory.Profile{MemberID: memberID, DisplayName: displayName}
	}
	if profile.DisplayName == "" {
		profile.DisplayName = displayName
	}

	ws, err := s.cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		MemberID:    memberID,
		RoomID:      roomID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		manager:     s.cm,
		ConnectedAt: time.Now(),
	}
	s.cm.register(conn)

	snapshot, err := s.registry.Join(roomID, room.Member{
		ID:           memberID,
		DisplayName:  profile.DisplayName,
		ConnectionID: conn.ID,
		CanControl:   profile.CanControl,
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("join failed")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	monitor := health.NewMonitor(s.clock, s.healthCfg, nil, nil, func() {
		// ConnectionStale: force the disconnect; the readPump exit runs the
		// normal leave path, which seeds a recovery record.
		conn.Close()
	})
	go monitor.Run(ctx)

	go conn.writePump()
	go func() {
		conn.readPump(func(c *Connection, msg *protocol.Message) {
			monitor.Heartbeat()
			s.handleMessage(c, msg)
		})
		// Socket gone: leave the room, remember the member for recovery.
		cancel()
		s.memberDisconnected(roomID, memberID)
	}()

	snapshot.Settings = s.settings
	s.cm.SendTo(roomID, memberID, protocol.NewMessage(protocol.MessageTypeRoomState, roomID, "", snapshot).
		Stamp(snapshot.State.SyncVersion, s.clock.Now()))
	s.cm.BroadcastExcept(roomID, memberID, protocol.NewMessage(protocol.MessageTypeUserJoined, roomID, memberID, protocol.UserJoinedPayload{
		MemberID:    memberID,
		DisplayName: profile.DisplayName,
	}))

	s.maybeRecover(ctx, roomID, memberID, snapshot.State)

	log.Info().
		Str("connection_id", conn.ID).
		Str("member_id", memberID).
		Str("room_id", roomID).
		Msg("WebSocket connection established")
}

// maybeRecover applies the catch-up plan for a member returning within the
// recovery window. Gradual plans step the member's position via sync-response
// progress ticks; a hard seek or a fresh joiner is served by the snapshot it
// already received.
func (s *Service) maybeRecover(ctx context.Context, roomID, memberID string, authority protocol.SyncState) {
	plan, had := s.recoverer.Recover(roomID, memberID, authority)
	if !had || plan.Kind == recovery.PlanNone {
		return
	}

	go s.recoverer.RunGradual(ctx, plan, func(position float64, final bool) {
		state := authority
		state.Position = position
		s.cm.SendTo(roomID, memberID, protocol.NewMessage(protocol.MessageTypeSyncResponse, roomID, "", protocol.SyncResponsePayload{State: state}).
			Stamp(state.SyncVersion, s.clock.Now()))
	})
}

func (s *Service) memberDisconnected(roomID, memberID string) {
	if state, err := s.registry.Snapshot(roomID); err == nil {
		s.recoverer.TrackDisconnect(roomID, memberID, state)
	}
	if err := s.registry.Leave(roomID, memberID); err != nil {
		log.Debug().Err(err).Str("room_id", roomID).Str("member_id", memberID).Msg("leave after disconnect")
		return
	}
	s.cm.Broadcast(roomID, protocol.NewMessage(protocol.MessageTypeUserLeft, roomID, memberID, protocol.UserLeftPayload{MemberID: memberID}))
}

// handleMessage dispatches one inbound protocol message.
func (s *Service) handleMessage(c *Connection, msg *protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type)).Msg("discarding malformed payload")
		return
	}

	switch p := payload.(type) {
	case protocol.PlayPayload:
		s.applyControl(c, msg.Type, room.ControlEvent{Type: room.EventPlay, Position: p.Position, ClientTs: p.ClientTs})
	case protocol.PausePayload:
		s.applyControl(c, msg.Type, room.ControlEvent{Type: room.EventPause, Position: p.Position, ClientTs: p.ClientTs})
	case protocol.SeekPayload:
		s.applyControl(c, msg.Type, room.ControlEvent{Type: room.EventSeek, Position: p.Position, ClientTs: p.ClientTs})
	case protocol.MediaChangePayload:
		s.applyControl(c, msg.Type, room.ControlEvent{Type: room.EventMediaChange, MediaID: p.MediaID, ClientTs: p.ClientTs})

	case protocol.SyncRequestPayload:
		state, err := s.registry.Snapshot(c.RoomID)
		if err != nil {
			s.sendError(c, "room not found")
			return
		}
		s.cm.SendTo(c.RoomID, c.MemberID, protocol.NewMessage(protocol.MessageTypeSyncResponse, c.RoomID, "", protocol.SyncResponsePayload{State: state}).
			Stamp(state.SyncVersion, s.clock.Now()))

	case protocol.PingPayload:
		now := s.clock.Now()
		latency := now.UnixMilli() - p.ClientTs
		if latency < 0 {
			latency = 0
		}
		quality := health.QualityForLatency(time.Duration(latency) * time.Millisecond)
		s.registry.UpdateHealth(c.RoomID, c.MemberID, latency, string(quality))

		s.cm.SendTo(c.RoomID, c.MemberID, protocol.NewMessage(protocol.MessageTypePong, c.RoomID, "", protocol.PongPayload{
			ClientTs: p.ClientTs,
			ServerTs: now.UnixMilli(),
		}))
		s.cm.SendTo(c.RoomID, c.MemberID, protocol.NewMessage(protocol.MessageTypeQuality, c.RoomID, "", protocol.QualityPayload{
			LatencyMs: latency,
			Quality:   string(quality),
		}))

	case protocol.VoteRequestPayload:
		// Consensus runs between peers; the relay only carries the ballots.
		s.cm.BroadcastExcept(c.RoomID, c.MemberID, msg)
	case protocol.VoteResponsePayload:
		s.cm.BroadcastExcept(c.RoomID, c.MemberID, msg)

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unhandled message type")
	}
}

// applyControl runs one control event through the authority and broadcasts
// the stamped result. Rejections go to the sender only.
func (s *Service) applyControl(c *Connection, msgType protocol.MessageType, ev room.ControlEvent) {
	state, err := s.registry.Apply(c.RoomID, c.MemberID, ev)
	if err != nil {
		switch {
		case errors.Is(err, room.ErrPermissionDenied):
			s.sendError(c, "you do not have playback control")
		case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrMemberNotFound):
			s.sendError(c, "not in a room")
		default:
			s.sendError(c, "invalid control event")
		}
		return
	}

	stamped := protocol.NewMessage(msgType, c.RoomID, c.MemberID, stampedPayload(msgType, state, ev)).
		Stamp(state.SyncVersion, state.StampedAt())

	// Everyone gets the broadcast, sender included; the sender's own echo is
	// discarded by its version gate.
	s.cm.Broadcast(c.RoomID, stamped)

	if s.publisher != nil {
		if err := s.publisher.Publish(context.Background(), c.RoomID, stamped); err != nil {
			log.Warn().Err(err).Str("room_id", c.RoomID).Msg("failed to publish event to bridge")
		}
	}
}

// stampedPayload rebuilds the event payload from the applied state, so the
// broadcast carries the authority's clamped values rather than the sender's.
func stampedPayload(msgType protocol.MessageType, state protocol.SyncState, ev room.ControlEvent) any {
	switch msgType {
	case protocol.MessageTypePlay:
		return protocol.PlayPayload{Position: state.Position, ClientTs: ev.ClientTs}
	case protocol.MessageTypePause:
		return protocol.PausePayload{Position: state.Position, ClientTs: ev.ClientTs}
	case protocol.MessageTypeSeek:
		return protocol.SeekPayload{Position: state.Position, ClientTs: ev.ClientTs}
	case protocol.MessageTypeMediaChange:
		return protocol.MediaChangePayload{MediaID: state.MediaID, ClientTs: ev.ClientTs}
	default:
		return nil
	}
}

func (s *Service) sendError(c *Connection, message string) {
	s.cm.SendTo(c.RoomID, c.MemberID, protocol.NewMessage(protocol.MessageTypeError, c.RoomID, "", protocol.ErrorPayload{Message: message}))
}

// ApplyRemote ingests a stamped event arriving over the bridge from another
// relay instance: adopt it if strictly newer, then fan out locally.
func (s *Service) ApplyRemote(roomID string, msg *protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Debug().Err(err).Msg("discarding malformed bridge message")
		return
	}

	state, err := s.registry.Snapshot(roomID)
	if err != nil {
		// No local members for this room; nothing to fan out to.
		return
	}

	remote := state
	remote.SyncVersion = msg.SyncVersion
	remote.ServerTimestamp = msg.ServerTimestamp
	switch p := payload.(type) {
	case protocol.PlayPayload:
		remote.Position, remote.IsPlaying = p.Position, true
	case protocol.PausePayload:
		remote.Position, remote.IsPlaying = p.Position, false
	case protocol.SeekPayload:
		remote.Position = p.Position
	case protocol.MediaChangePayload:
		remote.MediaID, remote.Position, remote.IsPlaying = p.MediaID, 0, false
	default:
		return
	}

	if err := s.registry.AdoptRemote(roomID, remote); err != nil {
		return
	}
	s.cm.Broadcast(roomID, msg)
}
