package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	memstore "github.com/foxseedlab/partyroom/external/repository"
	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/recording"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/foxseedlab/partyroom/internal/signaling"
)

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fakeSink struct {
	mu     sync.Mutex
	events []received
}

func (s *fakeSink) Deliver(msg []byte) bool {
	var r received
	if err := json.Unmarshal(msg, &r); err != nil {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, r)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (s *fakeSink) last(t *testing.T, event string, v any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Event == event {
			if err := json.Unmarshal(s.events[i].Data, v); err != nil {
				t.Fatalf("failed to decode %s: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("no %s event received", event)
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

type disabledSubmitter struct{}

func (disabledSubmitter) Submit(context.Context, highlight.Job) (string, error) {
	return "", highlight.ErrDisabled
}

type harness struct {
	hub      *Hub
	code     string
	hostID   string
	hostSink *fakeSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		RoomTTL:               time.Hour,
		RoomDefaultCapacity:   4,
		RoomMaxCapacity:       8,
		RoomCodeMaxAttempts:   10,
		GuestGracePeriod:      24 * time.Hour,
		CountdownSteps:        0,
		CountdownStepInterval: time.Millisecond,
	}
	store := memstore.NewMemoryStore()
	rooms := room.NewManager(cfg, store)
	reg := registry.New()
	fanout := broadcast.NewFanout(reg)
	seq := broadcast.NewSequencer()
	agg := readiness.NewAggregator(rooms, fanout)
	coord := recording.NewCoordinator(cfg, store, rooms, reg, fanout, seq, agg, disabledSubmitter{})
	t.Cleanup(coord.Close)
	hub := NewHub(rooms, reg, fanout, seq, agg, signaling.NewRelay(reg, fanout), coord)

	ctx := context.Background()
	created, err := hub.CreateRoom(ctx, room.CreateRoomInput{Name: "party", SessionToken: "host-token", Nickname: "host"})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	sink := &fakeSink{}
	hub.Attach("c-host", sink)
	joined, err := hub.Join(ctx, "c-host", created.Room.Code, "host-token", "")
	if err != nil {
		t.Fatalf("host failed to bind: %v", err)
	}
	if !joined.Rejoined {
		t.Fatalf("expected host bind to reuse the existing membership")
	}
	return &harness{hub: hub, code: created.Room.Code, hostID: created.Guest.ID, hostSink: sink}
}

func (h *harness) send(t *testing.T, connID, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	h.hub.Dispatch(context.Background(), connID, raw)
}

func (h *harness) joinGuest(t *testing.T, connID, token, nickname string) (*fakeSink, JoinedRoom) {
	t.Helper()
	sink := &fakeSink{}
	h.hub.Attach(connID, sink)
	h.send(t, connID, CmdJoinRoom, joinRequest{RoomCode: h.code, SessionToken: token, Nickname: nickname})
	var joined JoinedRoom
	sink.last(t, broadcast.EventJoinedRoomSuccess, &joined)
	return sink, joined
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	h := newHarness(t)
	guestSink, joined := h.joinGuest(t, "c-alice", "alice-token", "alice")

	if joined.Rejoined {
		t.Fatalf("expected a fresh join")
	}
	if len(joined.Snapshot.Participants) != 2 {
		t.Fatalf("expected snapshot with 2 participants, got %d", len(joined.Snapshot.Participants))
	}
	if got := h.hostSink.count(broadcast.EventUserJoined); got != 1 {
		t.Fatalf("expected host to receive user-joined once, got %d", got)
	}
	if got := guestSink.count(broadcast.EventUserJoined); got != 0 {
		t.Fatalf("expected joiner not to receive its own user-joined, got %d", got)
	}
	var update ParticipantUpdate
	h.hostSink.last(t, broadcast.EventParticipantUpdate, &update)
	if update.EventType != UpdateJoined || update.Occupancy != 2 {
		t.Fatalf("unexpected participant update: %+v", update)
	}
	if got := h.hostSink.count(broadcast.EventReadyStatusUpdate); got == 0 {
		t.Fatalf("expected a readiness summary after join")
	}
}

func TestRejoinSupersedesOldConnection(t *testing.T) {
	h := newHarness(t)
	_, first := h.joinGuest(t, "c-alice-1", "alice-token", "alice")
	h.hostSink.reset()

	_, second := h.joinGuest(t, "c-alice-2", "alice-token", "")
	if !second.Rejoined {
		t.Fatalf("expected the second connection to rejoin")
	}
	if second.Self.ID != first.Self.ID {
		t.Fatalf("expected the same participant, got %s and %s", first.Self.ID, second.Self.ID)
	}
	if got := h.hostSink.count(broadcast.EventUserJoined); got != 0 {
		t.Fatalf("expected no user-joined on rejoin, got %d", got)
	}

	h.hub.Disconnect(context.Background(), "c-alice-1")
	if got := h.hostSink.count(broadcast.EventUserLeft); got != 0 {
		t.Fatalf("expected superseded connection close not to remove the guest, got %d user-left", got)
	}
	snap, err := h.hub.Rooms().GetRoomByCode(context.Background(), h.code)
	if err != nil {
		t.Fatalf("failed to load room: %v", err)
	}
	if snap.Room.CurrentParticipants != 2 {
		t.Fatalf("expected occupancy 2, got %d", snap.Room.CurrentParticipants)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t)
	h.joinGuest(t, "c-alice", "alice-token", "alice")
	h.hostSink.reset()

	h.hub.Disconnect(context.Background(), "c-alice")

	if got := h.hostSink.count(broadcast.EventUserLeft); got != 1 {
		t.Fatalf("expected one user-left, got %d", got)
	}
	var update ParticipantUpdate
	h.hostSink.last(t, broadcast.EventParticipantUpdate, &update)
	if update.EventType != UpdateLeft || update.Occupancy != 1 {
		t.Fatalf("unexpected participant update: %+v", update)
	}
}

func TestHostDisconnectDissolvesRoom(t *testing.T) {
	h := newHarness(t)
	guestSink, _ := h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.hub.Disconnect(context.Background(), "c-host")

	if got := guestSink.count(broadcast.EventRoomDissolved); got != 1 {
		t.Fatalf("expected guest to receive room-dissolved, got %d", got)
	}
	snap, err := h.hub.Rooms().GetRoomByCode(context.Background(), h.code)
	if err != nil {
		t.Fatalf("failed to load room: %v", err)
	}
	if snap.Room.State != repository.RoomStateExpired || len(snap.Participants) != 0 {
		t.Fatalf("expected an expired empty room, got %s with %d participants", snap.Room.State, len(snap.Participants))
	}
	if _, err := h.hub.Join(context.Background(), "", h.code, "late-token", "late"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected joins to a dissolved room to fail with NOT_FOUND, got %v", err)
	}
}

func TestLeaveRoomCommandAcknowledges(t *testing.T) {
	h := newHarness(t)
	guestSink, _ := h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.send(t, "c-alice", CmdLeaveRoom, map[string]any{})

	if got := guestSink.count(broadcast.SuccessEvent(CmdLeaveRoom)); got != 1 {
		t.Fatalf("expected leave-room-success, got %d", got)
	}
	if got := h.hostSink.count(broadcast.EventUserLeft); got != 1 {
		t.Fatalf("expected host to see user-left, got %d", got)
	}

	h.send(t, "c-alice", CmdLeaveRoom, map[string]any{})
	var payload broadcast.ErrorPayload
	guestSink.last(t, broadcast.ErrorEvent(CmdLeaveRoom), &payload)
	if payload.Kind != string(apperr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND for a second leave, got %+v", payload)
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	h.hub.Dispatch(context.Background(), "c-host", []byte("{not json"))
	var payload broadcast.ErrorPayload
	h.hostSink.last(t, broadcast.ErrorEvent(cmdMalformed), &payload)
	if payload.Kind != string(apperr.KindValidation) {
		t.Fatalf("expected VALIDATION, got %+v", payload)
	}

	h.send(t, "c-host", "dance", map[string]any{})
	h.hostSink.last(t, "dance-error", &payload)
	if payload.Kind != string(apperr.KindValidation) {
		t.Fatalf("expected VALIDATION for unknown command, got %+v", payload)
	}

	h.send(t, "c-host", CmdChatMessage, chatRequest{Text: "   "})
	h.hostSink.last(t, broadcast.ErrorEvent(CmdChatMessage), &payload)
	if payload.Reason != "message is empty" {
		t.Fatalf("unexpected chat error: %+v", payload)
	}
}

func TestPreparationUpdates(t *testing.T) {
	h := newHarness(t)
	guestSink, _ := h.joinGuest(t, "c-alice", "alice-token", "alice")
	ready := true

	h.send(t, "c-alice", CmdUpdatePreparation, room.PreparationUpdate{Kind: room.PreparationScreen, Ready: &ready})
	if got := h.hostSink.count(broadcast.EventPreparationStatusUpdated); got != 1 {
		t.Fatalf("expected host to see the update, got %d", got)
	}
	var changed PreparationChanged
	h.hostSink.last(t, broadcast.EventPreparationStatusUpdated, &changed)
	if changed.Kind != room.PreparationScreen || !changed.Ready {
		t.Fatalf("unexpected preparation payload: %+v", changed)
	}

	h.send(t, "c-alice", CmdUpdatePreparation, room.PreparationUpdate{Kind: room.PreparationScreen, Ready: &ready})
	if got := h.hostSink.count(broadcast.EventPreparationStatusUpdated); got != 1 {
		t.Fatalf("expected an unchanged update not to be broadcast, got %d", got)
	}
	if got := guestSink.count(broadcast.EventPreparationStatusUpdated); got != 2 {
		t.Fatalf("expected the sender to get an echo, got %d", got)
	}

	h.send(t, "c-alice", CmdUpdatePreparation, room.PreparationUpdate{Kind: room.PreparationCharacter, Customization: json.RawMessage(`{"hat":"red"}`)})
	if got := h.hostSink.count(broadcast.EventCharacterStatusUpdated); got != 1 {
		t.Fatalf("expected character-status-updated, got %d", got)
	}
}

func TestStartRecordingRequiresReadiness(t *testing.T) {
	h := newHarness(t)
	h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.send(t, "c-host", CmdStartRecording, startRequest{})
	var payload broadcast.ErrorPayload
	h.hostSink.last(t, broadcast.ErrorEvent(CmdStartRecording), &payload)
	if payload.Kind != string(apperr.KindConflict) {
		t.Fatalf("expected CONFLICT, got %+v", payload)
	}
	if got := h.hostSink.count(broadcast.EventRecordingStarted); got != 0 {
		t.Fatalf("expected no recording-started, got %d", got)
	}
}

func TestSignalingThroughDispatch(t *testing.T) {
	h := newHarness(t)
	guestSink, joined := h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.send(t, "c-host", CmdOffer, signalRequest{Target: joined.Self.GuestID, Payload: json.RawMessage(`{"sdp":"v=0"}`)})

	var msg signaling.Message
	guestSink.last(t, broadcast.EventOffer, &msg)
	if msg.From != h.hostID || string(msg.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("unexpected relayed offer: %+v", msg)
	}
	if got := h.hostSink.count(broadcast.SuccessEvent(CmdOffer)); got != 1 {
		t.Fatalf("expected offer-success ack, got %d", got)
	}

	h.send(t, "c-host", CmdAnswer, signalRequest{Target: "nobody", Payload: json.RawMessage(`{}`)})
	var payload broadcast.ErrorPayload
	h.hostSink.last(t, broadcast.ErrorEvent(CmdAnswer), &payload)
	if payload.Kind != string(apperr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND for an unknown target, got %+v", payload)
	}
}

func TestChatBroadcast(t *testing.T) {
	h := newHarness(t)
	guestSink, _ := h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.send(t, "c-alice", CmdChatMessage, chatRequest{Text: "  hello  "})

	var msg ChatMessage
	h.hostSink.last(t, broadcast.EventChatMessage, &msg)
	if msg.Text != "hello" || msg.Nickname != "alice" {
		t.Fatalf("unexpected chat message: %+v", msg)
	}
	if got := guestSink.count(broadcast.EventChatMessage); got != 1 {
		t.Fatalf("expected sender to receive its own message, got %d", got)
	}
}

func (h *harness) occupancy(t *testing.T, code string) (repository.RoomState, int) {
	t.Helper()
	snap, err := h.hub.Rooms().GetRoomByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("failed to load room %s: %v", code, err)
	}
	return snap.Room.State, snap.Room.CurrentParticipants
}

func TestHostLeavingAnotherRoomKeepsHostedRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, err := h.hub.CreateRoom(ctx, room.CreateRoomInput{Name: "other", SessionToken: "other-token", Nickname: "other"})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	sink := &fakeSink{}
	h.hub.Attach("c-host-other", sink)
	h.send(t, "c-host-other", CmdJoinRoom, joinRequest{RoomCode: other.Room.Code, SessionToken: "host-token", Nickname: "host"})
	if got := sink.count(broadcast.EventJoinedRoomSuccess); got != 1 {
		t.Fatalf("expected the host to join the other room, got %d", got)
	}
	if _, n := h.occupancy(t, other.Room.Code); n != 2 {
		t.Fatalf("expected occupancy 2 in the other room, got %d", n)
	}

	h.send(t, "c-host-other", CmdLeaveRoom, map[string]any{})

	if got := sink.count(broadcast.SuccessEvent(CmdLeaveRoom)); got != 1 {
		t.Fatalf("expected leave-room-success, got %d", got)
	}
	if state, n := h.occupancy(t, other.Room.Code); state == repository.RoomStateExpired || n != 1 {
		t.Fatalf("expected the other room to keep its host, got %s with %d", state, n)
	}
	if state, n := h.occupancy(t, h.code); state != repository.RoomStateWaiting || n != 1 {
		t.Fatalf("hosted room was touched: %s with %d", state, n)
	}
	if got := h.hostSink.count(broadcast.EventRoomDissolved); got != 0 {
		t.Fatalf("expected no room-dissolved, got %d", got)
	}
	if id, ok := h.hub.conns.ConnectionOf(h.code, h.hostID); !ok || id != "c-host" {
		t.Fatalf("expected c-host to stay bound to the hosted room, got %q %v", id, ok)
	}

	h.send(t, "c-host", CmdChatMessage, chatRequest{Text: "still here"})
	if got := h.hostSink.count(broadcast.EventChatMessage); got != 1 {
		t.Fatalf("expected the hosted room to keep receiving events, got %d", got)
	}
}

func TestJoinRejectsBoundConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, err := h.hub.CreateRoom(ctx, room.CreateRoomInput{Name: "other", SessionToken: "other-token", Nickname: "other"})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	aliceSink, _ := h.joinGuest(t, "c-alice", "alice-token", "alice")

	h.send(t, "c-alice", CmdJoinRoom, joinRequest{RoomCode: other.Room.Code, SessionToken: "bob-token", Nickname: "bob"})
	var payload broadcast.ErrorPayload
	aliceSink.last(t, broadcast.ErrorEvent(CmdJoinRoom), &payload)
	if payload.Kind != string(apperr.KindConflict) {
		t.Fatalf("expected CONFLICT joining a second room, got %+v", payload)
	}
	if _, n := h.occupancy(t, other.Room.Code); n != 1 {
		t.Fatalf("expected the other room to stay at occupancy 1, got %d", n)
	}

	h.send(t, "c-alice", CmdJoinRoom, joinRequest{RoomCode: h.code, SessionToken: "carol-token", Nickname: "carol"})
	aliceSink.last(t, broadcast.ErrorEvent(CmdJoinRoom), &payload)
	if payload.Kind != string(apperr.KindConflict) {
		t.Fatalf("expected CONFLICT joining as another participant, got %+v", payload)
	}
	if _, n := h.occupancy(t, h.code); n != 2 {
		t.Fatalf("expected occupancy 2, got %d", n)
	}

	h.send(t, "c-alice", CmdJoinRoom, joinRequest{RoomCode: h.code, SessionToken: "alice-token"})
	if got := aliceSink.count(broadcast.EventJoinedRoomSuccess); got != 2 {
		t.Fatalf("expected rejoining as the same participant to succeed, got %d", got)
	}

	h.hub.Disconnect(ctx, "c-alice")
	if _, n := h.occupancy(t, h.code); n != 1 {
		t.Fatalf("expected occupancy 1 after disconnect, got %d", n)
	}
}

func TestFlagChangeAnnouncesReadinessOnce(t *testing.T) {
	h := newHarness(t)
	h.joinGuest(t, "c-alice", "alice-token", "alice")
	h.hostSink.reset()
	ready := true

	h.send(t, "c-alice", CmdUpdatePreparation, room.PreparationUpdate{Kind: room.PreparationScreen, Ready: &ready})

	if got := h.hostSink.count(broadcast.EventReadyStatusUpdate); got != 1 {
		t.Fatalf("expected exactly one ready-status-update, got %d", got)
	}
	var payload readiness.Payload
	h.hostSink.last(t, broadcast.EventReadyStatusUpdate, &payload)
	if payload.ReadyCount != 0 || payload.TotalCount != 2 {
		t.Fatalf("unexpected readiness payload: %+v", payload)
	}
}
