package recording

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	memstore "github.com/foxseedlab/partyroom/external/repository"
	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/foxseedlab/partyroom/internal/readiness"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
)

type eventSink struct {
	mu     sync.Mutex
	events []broadcast.Envelope
	notify chan string
}

func newEventSink() *eventSink {
	return &eventSink{notify: make(chan string, 64)}
}

func (s *eventSink) Deliver(msg []byte) bool {
	var env broadcast.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, env)
	s.mu.Unlock()
	select {
	case s.notify <- env.Event:
	default:
	}
	return true
}

func (s *eventSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Event)
	}
	return out
}

func (s *eventSink) has(event string) bool {
	for _, n := range s.names() {
		if n == event {
			return true
		}
	}
	return false
}

func (s *eventSink) waitFor(t *testing.T, event string) {
	t.Helper()
	if s.has(event) {
		return
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-s.notify:
			if got == event {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %v", event, s.names())
		}
	}
}

type mockSubmitter struct {
	jobs  []highlight.Job
	jobID string
	err   error
}

func (m *mockSubmitter) Submit(_ context.Context, job highlight.Job) (string, error) {
	m.jobs = append(m.jobs, job)
	return m.jobID, m.err
}

// failingStore wraps a store whose transactions fail before running.
type failingStore struct {
	repository.Store
	err error
}

func (s *failingStore) InTx(context.Context, func(context.Context, repository.Tx) error) error {
	return s.err
}

type fixture struct {
	coord     *Coordinator
	rooms     *room.Manager
	store     repository.Store
	reg       *registry.Registry
	submitter *mockSubmitter
	host      *room.Membership
	guest     *room.Membership
	hostSink  *eventSink
	guestSink *eventSink
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		RoomTTL:               time.Hour,
		RoomDefaultCapacity:   4,
		RoomMaxCapacity:       8,
		RoomCodeMaxAttempts:   10,
		GuestGracePeriod:      24 * time.Hour,
		CountdownSteps:        3,
		CountdownStepInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}
	store := memstore.NewMemoryStore()
	rooms := room.NewManager(cfg, store)
	reg := registry.New()
	fanout := broadcast.NewFanout(reg)
	agg := readiness.NewAggregator(rooms, fanout)
	sub := &mockSubmitter{jobID: "job-1"}
	coord := NewCoordinator(cfg, store, rooms, reg, fanout, broadcast.NewSequencer(), agg, sub)
	t.Cleanup(coord.Close)

	ctx := context.Background()
	host, err := rooms.CreateRoom(ctx, room.CreateRoomInput{Name: "party", SessionToken: "host", Nickname: "host"})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	guest, err := rooms.JoinRoom(ctx, host.Room.Code, "guest", "alice")
	if err != nil {
		t.Fatalf("failed to join room: %v", err)
	}

	f := &fixture{
		coord: coord, rooms: rooms, store: store, reg: reg, submitter: sub,
		host: host, guest: guest, hostSink: newEventSink(), guestSink: newEventSink(),
	}
	reg.Bind(registry.Binding{ConnID: "c-host", RoomCode: host.Room.Code, GuestID: host.Guest.ID, Role: repository.RoleHost})
	reg.Bind(registry.Binding{ConnID: "c-guest", RoomCode: host.Room.Code, GuestID: guest.Guest.ID, Role: repository.RoleParticipant})
	fanout.Attach("c-host", f.hostSink)
	fanout.Attach("c-guest", f.guestSink)
	return f
}

func (f *fixture) readyAll(t *testing.T) {
	t.Helper()
	yes := true
	for _, guestID := range []string{f.host.Guest.ID, f.guest.Guest.ID} {
		for _, u := range []room.PreparationUpdate{
			{Kind: room.PreparationCharacter, Customization: json.RawMessage(`{"hat":1}`)},
			{Kind: room.PreparationScreen, Ready: &yes},
			{Kind: room.PreparationFinal, Ready: &yes},
		} {
			if _, _, err := f.rooms.UpdatePreparationStatus(context.Background(), f.host.Room.Code, guestID, u); err != nil {
				t.Fatalf("failed to update readiness: %v", err)
			}
		}
	}
	if _, _, err := f.rooms.SyncReadinessState(context.Background(), f.host.Room.Code); err != nil {
		t.Fatalf("failed to sync readiness: %v", err)
	}
}

func (f *fixture) state(t *testing.T) repository.RoomState {
	t.Helper()
	snap, err := f.rooms.GetRoomByCode(context.Background(), f.host.Room.Code)
	if err != nil {
		t.Fatalf("failed to load room: %v", err)
	}
	return snap.Room.State
}

func (f *fixture) openSession(t *testing.T) *repository.RecordingSession {
	t.Helper()
	var s *repository.RecordingSession
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		s, err = tx.GetOpenRecordingSession(ctx, f.host.Room.ID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	return s
}

func TestStart_RequiresHost(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)
	_, err := f.coord.Start(context.Background(), f.host.Room.Code, f.guest.Guest.ID)
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestStart_NotAllReadyLeavesRoomUntouched(t *testing.T) {
	f := newFixture(t, nil)
	before := f.state(t)

	_, err := f.coord.Start(context.Background(), f.host.Room.Code, f.host.Guest.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if got := f.state(t); got != before {
		t.Fatalf("room state changed from %s to %s", before, got)
	}
	if s := f.openSession(t); s != nil {
		t.Fatalf("recording session created: %+v", s)
	}
	if f.guestSink.has(broadcast.EventRecordingStarted) {
		t.Fatalf("recording-started broadcast on failure")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)
	ctx := context.Background()

	session, err := f.coord.Start(ctx, f.host.Room.Code, f.host.Guest.ID)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if f.state(t) != repository.RoomStateRecording {
		t.Fatalf("expected recording state")
	}
	f.guestSink.waitFor(t, broadcast.EventRecordingStarted)

	if _, err := f.coord.Start(ctx, f.host.Room.Code, f.host.Guest.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT for second start, got %v", err)
	}
	if _, err := f.rooms.JoinRoom(ctx, f.host.Room.Code, "late", "late"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected joins to be blocked while recording, got %v", err)
	}
	if _, err := f.coord.Stop(ctx, f.host.Room.Code, f.guest.Guest.ID); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected FORBIDDEN stop, got %v", err)
	}

	stopped, err := f.coord.Stop(ctx, f.host.Room.Code, f.host.Guest.ID)
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if stopped.ID != session.ID || stopped.Status != repository.RecordingStatusProcessing || stopped.EndedAt == nil {
		t.Fatalf("unexpected stopped session: %+v", stopped)
	}
	if f.state(t) != repository.RoomStateProcessing {
		t.Fatalf("expected processing state")
	}
	f.guestSink.waitFor(t, broadcast.EventRecordingStopped)

	if _, err := f.coord.Stop(ctx, f.host.Room.Code, f.host.Guest.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT when nothing is recording, got %v", err)
	}
}

func TestStartWithCountdown(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)

	if err := f.coord.StartWithCountdown(context.Background(), f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.guestSink.waitFor(t, broadcast.EventRecordingStarted)

	ticks := 0
	for _, n := range f.guestSink.names() {
		if n == broadcast.EventRecordingCountdown {
			ticks++
		}
	}
	if ticks != 3 {
		t.Fatalf("expected 3 countdown ticks, got %d (%v)", ticks, f.guestSink.names())
	}
	names := f.guestSink.names()
	if names[0] != broadcast.EventRecordingCountdownStart {
		t.Fatalf("expected countdown-started first, got %v", names)
	}
	if f.state(t) != repository.RoomStateRecording {
		t.Fatalf("expected recording state")
	}
}

func TestStartWithCountdown_BlocksJoins(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.CountdownStepInterval = time.Hour })
	f.readyAll(t)
	ctx := context.Background()

	if err := f.coord.StartWithCountdown(ctx, f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.state(t) != repository.RoomStateCountdown {
		t.Fatalf("expected countdown state")
	}
	if _, err := f.rooms.JoinRoom(ctx, f.host.Room.Code, "late", "late"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected join to be blocked during countdown, got %v", err)
	}
	if err := f.coord.StartWithCountdown(ctx, f.host.Room.Code, f.host.Guest.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT for a second countdown, got %v", err)
	}
}

func TestHostLeave_CancelsCountdown(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.CountdownStepInterval = time.Hour })
	f.readyAll(t)
	ctx := context.Background()

	if err := f.coord.StartWithCountdown(ctx, f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.coord.HostLeave(ctx, f.host.Room.Code, f.guest.Guest.ID); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected FORBIDDEN for non-host, got %v", err)
	}

	r, err := f.coord.HostLeave(ctx, f.host.Room.Code, f.host.Guest.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.State != repository.RoomStateExpired || r.CurrentParticipants != 0 {
		t.Fatalf("expected dissolved room, got %+v", r)
	}
	f.guestSink.waitFor(t, broadcast.EventRoomDissolved)

	f.coord.mu.Lock()
	pending := len(f.coord.countdowns)
	f.coord.mu.Unlock()
	if pending != 0 {
		t.Fatalf("countdown still registered")
	}
	if f.guestSink.has(broadcast.EventRecordingStarted) {
		t.Fatalf("recording started after host left")
	}
	if _, ok := f.reg.Lookup("c-guest"); ok {
		t.Fatalf("guest connection not evicted")
	}
}

func TestCountdown_FailureRestoresRoom(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.CountdownSteps = 1
		c.CountdownStepInterval = 50 * time.Millisecond
	})
	f.readyAll(t)
	ctx := context.Background()

	if err := f.coord.StartWithCountdown(ctx, f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.rooms.LeaveRoom(ctx, f.host.Room.Code, f.guest.Guest.ID); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}

	f.hostSink.waitFor(t, broadcast.ErrorEvent("start-recording"))
	if f.hostSink.has(broadcast.EventRecordingStarted) {
		t.Fatalf("recording started without all participants ready")
	}
	if got := f.state(t); got != repository.RoomStateWaiting {
		t.Fatalf("expected room back in waiting, got %s", got)
	}
	if s := f.openSession(t); s != nil {
		t.Fatalf("session left behind: %+v", s)
	}
}

func TestHighlightFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)
	ctx := context.Background()
	code := f.host.Room.Code

	if _, err := f.coord.SubmitHighlightJob(ctx, code, []string{"media/a.webm"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT before processing, got %v", err)
	}
	session, err := f.coord.Start(ctx, code, f.host.Guest.ID)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if _, err := f.coord.CompleteRecording(ctx, code); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}

	jobID, err := f.coord.SubmitHighlightJob(ctx, code, []string{"media/a.webm"})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if jobID != "job-1" || len(f.submitter.jobs) != 1 || f.submitter.jobs[0].SessionID != session.ID {
		t.Fatalf("unexpected submission: %q %+v", jobID, f.submitter.jobs)
	}

	if err := f.coord.HandleHighlightCallback(ctx, "ZZZZZZ", json.RawMessage(`{"clips":[]}`)); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown room, got %v", err)
	}
	if err := f.coord.HandleHighlightCallback(ctx, code, json.RawMessage(`{"clips":[1,2]}`)); err != nil {
		t.Fatalf("unexpected callback error: %v", err)
	}
	f.guestSink.waitFor(t, broadcast.EventHighlightResult)
	if f.state(t) != repository.RoomStateCompleted {
		t.Fatalf("expected completed state")
	}
}

func TestSubmitHighlightJob_Disabled(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)
	ctx := context.Background()
	f.submitter.err = highlight.ErrDisabled

	if _, err := f.coord.Start(ctx, f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if _, err := f.coord.Stop(ctx, f.host.Room.Code, f.host.Guest.ID); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if _, err := f.coord.SubmitHighlightJob(ctx, f.host.Room.Code, []string{"a"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestSweepExpired_DissolvesLiveRoom(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.RoomTTL = 20 * time.Millisecond })
	time.Sleep(40 * time.Millisecond)

	res, err := f.coord.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RoomsDeleted != 1 {
		t.Fatalf("expected one room deleted, got %+v", res)
	}
	f.hostSink.waitFor(t, broadcast.EventRoomDissolved)
	if f.reg.Len() != 0 {
		t.Fatalf("expected registry to be empty, got %d", f.reg.Len())
	}
	if _, err := f.rooms.GetRoomByCode(context.Background(), f.host.Room.Code); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND after sweep, got %v", err)
	}
}

func TestStartStop_StoreFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.readyAll(t)
	ctx := context.Background()
	f.coord.store = &failingStore{Store: f.store, err: errors.New("connection reset by peer")}

	_, err := f.coord.Start(ctx, f.host.Room.Code, f.host.Guest.ID)
	if !apperr.Is(err, apperr.KindInternal) || !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable INTERNAL from start, got %v", err)
	}
	err = f.coord.StartWithCountdown(ctx, f.host.Room.Code, f.host.Guest.ID)
	if !apperr.Is(err, apperr.KindInternal) || !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable INTERNAL from countdown start, got %v", err)
	}
	_, err = f.coord.Stop(ctx, f.host.Room.Code, f.host.Guest.ID)
	if !apperr.Is(err, apperr.KindInternal) || !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable INTERNAL from stop, got %v", err)
	}

	f.coord.store = f.store
	_, err = f.coord.Start(ctx, f.host.Room.Code, f.guest.Guest.ID)
	if !apperr.Is(err, apperr.KindForbidden) || apperr.IsRetryable(err) {
		t.Fatalf("expected non-retryable FORBIDDEN, got %v", err)
	}
	if f.hostSink.has(broadcast.EventRecordingStarted) {
		t.Fatalf("recording-started broadcast on failure")
	}
}
