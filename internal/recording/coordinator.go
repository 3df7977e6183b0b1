// Package recording drives a room through countdown, recording and
// processing, and dissolves rooms when their host leaves or they expire.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/broadcast"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/highlight"
	"github.com/foxseedlab/partyroom/internal/registry"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
)

const (
	ReasonHostLeft = "host-left"
	ReasonEnded    = "ended"
	ReasonExpired  = "expired"
)

type Broadcaster interface {
	ToRoom(roomCode, event string, data any)
	ToPeer(connID, event string, data any)
}

type Connections interface {
	ConnectionOf(roomCode, guestID string) (string, bool)
	EvictRoom(roomCode string) []registry.Binding
}

type Readiness interface {
	Publish(ctx context.Context, code string) (room.Readiness, error)
	Forget(code string)
}

type Coordinator struct {
	cfg       *config.Config
	store     repository.Store
	rooms     *room.Manager
	conns     Connections
	out       Broadcaster
	seq       *broadcast.Sequencer
	readiness Readiness
	submitter highlight.Submitter
	now       func() time.Time

	mu         sync.Mutex
	countdowns map[string]*countdown
}

type countdown struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(
	cfg *config.Config,
	store repository.Store,
	rooms *room.Manager,
	conns Connections,
	out Broadcaster,
	seq *broadcast.Sequencer,
	readiness Readiness,
	submitter highlight.Submitter,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		rooms:      rooms,
		conns:      conns,
		out:        out,
		seq:        seq,
		readiness:  readiness,
		submitter:  submitter,
		now:        time.Now,
		countdowns: make(map[string]*countdown),
	}
}

type CountdownStarted struct {
	RoomCode    string    `json:"roomCode"`
	Steps       int       `json:"steps"`
	IntervalMs  int64     `json:"intervalMs"`
	StartedAt   time.Time `json:"startedAt"`
	HostGuestID string    `json:"hostGuestId"`
}

type CountdownTick struct {
	RoomCode string `json:"roomCode"`
	Count    int    `json:"count"`
}

type Started struct {
	RoomCode    string    `json:"roomCode"`
	SessionID   string    `json:"sessionId"`
	StartedAt   time.Time `json:"startedAt"`
	HostGuestID string    `json:"hostGuestId"`
}

type Stopped struct {
	RoomCode    string    `json:"roomCode"`
	SessionID   string    `json:"sessionId"`
	EndedAt     time.Time `json:"endedAt"`
	HostGuestID string    `json:"hostGuestId,omitempty"`
}

type Dissolved struct {
	RoomCode     string `json:"roomCode"`
	Reason       string `json:"reason"`
	ActorGuestID string `json:"actorGuestId,omitempty"`
}

// Start moves an all-ready room straight into recording.
func (c *Coordinator) Start(ctx context.Context, code, hostGuestID string) (*repository.RecordingSession, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	unlock := c.seq.Lock(code)
	defer unlock()

	var session *repository.RecordingSession
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := c.checkStartable(ctx, tx, code, hostGuestID)
		if err != nil {
			return err
		}
		session, err = c.beginRecording(ctx, tx, r, hostGuestID)
		return err
	})
	if err != nil {
		return nil, storeFailure("recording start failed", err)
	}
	c.announceStarted(code, session)
	return session, nil
}

// StartWithCountdown pins the room in the countdown state, which blocks joins,
// then ticks CountdownSteps times before flipping to recording. Host-leave and
// expiry cancel a running countdown.
func (c *Coordinator) StartWithCountdown(ctx context.Context, code, hostGuestID string) error {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return err
	}
	unlock := c.seq.Lock(code)
	defer unlock()

	var prior repository.RoomState
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := c.checkStartable(ctx, tx, code, hostGuestID)
		if err != nil {
			return err
		}
		prior = r.State
		_, err = room.Transition(ctx, tx, code, repository.RoomStateCountdown, c.now())
		return err
	})
	if err != nil {
		return storeFailure("recording start failed", err)
	}

	cdCtx, cancel := context.WithCancel(context.Background())
	cd := &countdown{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.countdowns[code] = cd
	c.mu.Unlock()

	slog.Info("recording countdown started", "room_code", code, "host_guest_id", hostGuestID, "steps", c.cfg.CountdownSteps)
	c.out.ToRoom(code, broadcast.EventRecordingCountdownStart, CountdownStarted{
		RoomCode:    code,
		Steps:       c.cfg.CountdownSteps,
		IntervalMs:  c.cfg.CountdownStepInterval.Milliseconds(),
		StartedAt:   c.now(),
		HostGuestID: hostGuestID,
	})
	go c.runCountdown(cdCtx, cd, code, hostGuestID, prior)
	return nil
}

func (c *Coordinator) runCountdown(ctx context.Context, cd *countdown, code, hostGuestID string, prior repository.RoomState) {
	defer close(cd.done)
	defer c.clearCountdown(code, cd)

	for n := c.cfg.CountdownSteps; n >= 1; n-- {
		if !c.tick(ctx, code, n) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.CountdownStepInterval):
		}
	}

	unlock := c.seq.Lock(code)
	defer unlock()
	if ctx.Err() != nil {
		return
	}

	var session *repository.RecordingSession
	err := c.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if r == nil {
			return apperr.NotFound("room not found")
		}
		participants, err := tx.ListActiveParticipants(ctx, r.ID)
		if err != nil {
			return apperr.Internal("list participants", err)
		}
		if !room.Summarize(participants).AllReady {
			return apperr.Conflict("not all participants are ready")
		}
		session, err = c.beginRecording(ctx, tx, r, hostGuestID)
		return err
	})
	if err != nil {
		c.abortCountdown(code, hostGuestID, prior, err)
		return
	}
	c.announceStarted(code, session)
}

func (c *Coordinator) tick(ctx context.Context, code string, n int) bool {
	unlock := c.seq.Lock(code)
	defer unlock()
	if ctx.Err() != nil {
		return false
	}
	c.out.ToRoom(code, broadcast.EventRecordingCountdown, CountdownTick{RoomCode: code, Count: n})
	return true
}

// abortCountdown puts the room back where it was before the countdown and
// tells the host. Called with the room lock held.
func (c *Coordinator) abortCountdown(code, hostGuestID string, prior repository.RoomState, cause error) {
	ctx := context.Background()
	err := c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := room.Restore(ctx, tx, code, repository.RoomStateCountdown, prior, c.now())
		return err
	})
	if err != nil {
		slog.Error("failed to restore room after countdown failure", "room_code", code, "error", err)
	}
	slog.Warn("recording start after countdown failed", "room_code", code, "error", cause)

	failure := cause
	if !apperr.Is(cause, apperr.KindConflict) && !apperr.Is(cause, apperr.KindNotFound) {
		failure = apperr.Retryable("recording start failed", cause)
	}
	if _, err := c.readiness.Publish(ctx, code); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		slog.Error("failed to recompute readiness after countdown failure", "room_code", code, "error", err)
	}
	if connID, ok := c.conns.ConnectionOf(code, hostGuestID); ok {
		c.out.ToPeer(connID, broadcast.ErrorEvent("start-recording"), broadcast.ErrorPayload{
			Reason:    apperr.ReasonOf(failure),
			Kind:      string(apperr.KindOf(failure)),
			Retryable: apperr.IsRetryable(failure),
		})
	}
}

func (c *Coordinator) clearCountdown(code string, cd *countdown) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdowns[code] == cd {
		delete(c.countdowns, code)
	}
}

// cancelCountdown stops a running countdown for the room, if any.
func (c *Coordinator) cancelCountdown(code string) {
	c.mu.Lock()
	cd, ok := c.countdowns[code]
	delete(c.countdowns, code)
	c.mu.Unlock()
	if ok {
		cd.cancel()
		slog.Info("recording countdown cancelled", "room_code", code)
	}
}

func (c *Coordinator) checkStartable(ctx context.Context, tx repository.Tx, code, hostGuestID string) (*repository.Room, error) {
	r, err := tx.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, apperr.Internal("load room", err)
	}
	if r == nil || r.State == repository.RoomStateExpired {
		return nil, apperr.NotFound("room not found")
	}
	if r.HostGuestID != hostGuestID {
		return nil, apperr.Forbidden("only the host can start recording")
	}
	open, err := tx.GetOpenRecordingSession(ctx, r.ID)
	if err != nil {
		return nil, apperr.Internal("load recording session", err)
	}
	if open != nil || r.State == repository.RoomStateRecording || r.State == repository.RoomStateCountdown {
		return nil, apperr.Conflict("recording already active")
	}
	participants, err := tx.ListActiveParticipants(ctx, r.ID)
	if err != nil {
		return nil, apperr.Internal("list participants", err)
	}
	if !room.Summarize(participants).AllReady {
		return nil, apperr.Conflict("not all participants are ready")
	}
	return r, nil
}

func (c *Coordinator) beginRecording(ctx context.Context, tx repository.Tx, r *repository.Room, hostGuestID string) (*repository.RecordingSession, error) {
	now := c.now()
	if _, err := room.Transition(ctx, tx, r.Code, repository.RoomStateRecording, now); err != nil {
		return nil, err
	}
	session, err := tx.CreateRecordingSession(ctx, repository.CreateRecordingInput{
		RoomID:           r.ID,
		InitiatorGuestID: hostGuestID,
		StartedAt:        now,
		StoragePath:      fmt.Sprintf("rooms/%s/%d", r.Code, now.Unix()),
		Settings:         r.Settings,
	})
	if err != nil {
		return nil, apperr.Internal("create recording session", err)
	}
	return session, nil
}

func (c *Coordinator) announceStarted(code string, session *repository.RecordingSession) {
	slog.Info("recording started", "room_code", code, "session_id", session.ID, "host_guest_id", session.InitiatorGuestID)
	c.out.ToRoom(code, broadcast.EventRecordingStarted, Started{
		RoomCode:    code,
		SessionID:   session.ID,
		StartedAt:   session.StartedAt,
		HostGuestID: session.InitiatorGuestID,
	})
}

// Stop closes the open recording session and moves the room to processing.
func (c *Coordinator) Stop(ctx context.Context, code, hostGuestID string) (*repository.RecordingSession, error) {
	return c.finishRecording(ctx, code, hostGuestID, true)
}

// CompleteRecording is Stop signalled by the media side rather than the host.
func (c *Coordinator) CompleteRecording(ctx context.Context, code string) (*repository.RecordingSession, error) {
	return c.finishRecording(ctx, code, "", false)
}

func (c *Coordinator) finishRecording(ctx context.Context, code, hostGuestID string, requireHost bool) (*repository.RecordingSession, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	unlock := c.seq.Lock(code)
	defer unlock()

	var session *repository.RecordingSession
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetRoomByCode(ctx, code)
		if err != nil {
			return apperr.Internal("load room", err)
		}
		if r == nil || r.State == repository.RoomStateExpired {
			return apperr.NotFound("room not found")
		}
		if requireHost && r.HostGuestID != hostGuestID {
			return apperr.Forbidden("only the host can stop recording")
		}
		session, err = tx.GetOpenRecordingSession(ctx, r.ID)
		if err != nil {
			return apperr.Internal("load recording session", err)
		}
		if session == nil {
			return apperr.Conflict("no active recording")
		}
		now := c.now()
		if err := tx.CloseRecordingSession(ctx, repository.CloseRecordingInput{
			SessionID: session.ID,
			Status:    repository.RecordingStatusProcessing,
			EndedAt:   now,
		}); err != nil {
			return apperr.Internal("close recording session", err)
		}
		session.Status = repository.RecordingStatusProcessing
		session.EndedAt = &now
		_, err = room.Transition(ctx, tx, code, repository.RoomStateProcessing, now)
		return err
	})
	if err != nil {
		return nil, storeFailure("recording stop failed", err)
	}

	slog.Info("recording stopped", "room_code", code, "session_id", session.ID, "host_guest_id", hostGuestID)
	c.out.ToRoom(code, broadcast.EventRecordingStopped, Stopped{
		RoomCode:    code,
		SessionID:   session.ID,
		EndedAt:     *session.EndedAt,
		HostGuestID: hostGuestID,
	})
	return session, nil
}

// storeFailure marks an unclassified store error as safe to retry. Domain
// rejections pass through unchanged.
func storeFailure(reason string, err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Retryable(reason, err)
}

// HostLeave dissolves the room on the host's behalf and evicts every
// connection from it.
func (c *Coordinator) HostLeave(ctx context.Context, code, hostGuestID string) (*repository.Room, error) {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	unlock := c.seq.Lock(code)
	defer unlock()

	r, err := c.rooms.DissolveByHost(ctx, code, hostGuestID)
	if err != nil {
		return nil, err
	}
	c.announceDissolved(code, ReasonHostLeft, hostGuestID)
	return r, nil
}

// AnnounceDissolved tells a room that was dissolved elsewhere, for example by
// EndRoom, that it is gone.
func (c *Coordinator) AnnounceDissolved(code, reason, actorGuestID string) {
	unlock := c.seq.Lock(code)
	defer unlock()
	c.announceDissolved(code, reason, actorGuestID)
}

func (c *Coordinator) announceDissolved(code, reason, actorGuestID string) {
	c.cancelCountdown(code)
	c.readiness.Forget(code)
	slog.Info("room dissolved", "room_code", code, "reason", reason, "guest_id", actorGuestID)
	c.out.ToRoom(code, broadcast.EventRoomDissolved, Dissolved{
		RoomCode:     code,
		Reason:       reason,
		ActorGuestID: actorGuestID,
	})
	evicted := c.conns.EvictRoom(code)
	if len(evicted) > 0 {
		slog.Debug("connections evicted", "room_code", code, "count", len(evicted))
	}
}

// SweepExpired deletes expired rooms and stale identities, then dissolves any
// swept room that still had live connections.
func (c *Coordinator) SweepExpired(ctx context.Context) (*room.CleanupResult, error) {
	res, err := c.rooms.CleanupExpiredRooms(ctx)
	if err != nil {
		return nil, err
	}
	for _, code := range res.ExpiredRoomCodes {
		c.AnnounceDissolved(code, ReasonExpired, "")
	}
	return res, nil
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	pending := make([]*countdown, 0, len(c.countdowns))
	for code, cd := range c.countdowns {
		cd.cancel()
		pending = append(pending, cd)
		delete(c.countdowns, code)
	}
	c.mu.Unlock()
	for _, cd := range pending {
		<-cd.done
	}
}
