package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"voicedeck/internal/domain"
	"voicedeck/internal/ports"
)

var ErrControllerClosed = errors.New("session controller is closed")

// Config controls session timing and bookkeeping.
type Config struct {
	ReconnectDelay time.Duration
	PostSendDelay  time.Duration
	HistorySize    int
}

// SessionController orchestrates the hands-free voice command session: one
// live speech session, the debounced command dispatch, screen wake desire,
// and the UI-facing snapshot.
//
// All state is guarded by mu. Port methods are never invoked while holding
// mu, with the exception of quick SpeechSession reads. Callbacks from a
// speech session identify themselves by session pointer and are dropped when
// they arrive from a session that is no longer current; dispatch hooks carry
// the run generation for the same purpose.
type SessionController struct {
	factory    ports.SpeechSessionFactory
	dispatcher *CommandDispatcher
	wake       ports.WakeLocker
	chime      ports.Chime
	notifier   ports.Notifier
	navigator  ports.Navigator
	events     ports.EventSink
	cfg        Config

	ctx        context.Context
	cancelRoot context.CancelFunc

	mu             sync.Mutex
	closed         bool
	snap           domain.SessionSnapshot
	handsFree      bool
	gen            uint64
	inFlight       bool
	pendingStop    bool
	session        ports.SpeechSession
	dispatching    bool
	dispatchCancel context.CancelFunc
	reconnectTimer *time.Timer
	postSendTimer  *time.Timer
	history        []domain.DispatchRecord
}

func NewSessionController(
	factory ports.SpeechSessionFactory,
	dispatcher *CommandDispatcher,
	wake ports.WakeLocker,
	chime ports.Chime,
	notifier ports.Notifier,
	navigator ports.Navigator,
	events ports.EventSink,
	cfg Config,
) *SessionController {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.PostSendDelay <= 0 {
		cfg.PostSendDelay = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionController{
		factory:    factory,
		dispatcher: dispatcher,
		wake:       wake,
		chime:      chime,
		notifier:   notifier,
		navigator:  navigator,
		events:     events,
		cfg:        cfg,
		ctx:        ctx,
		cancelRoot: cancel,
		snap:       domain.SessionSnapshot{State: domain.SessionStateIdle},
	}
}

// StartRecording begins a hands-free session addressed to team/role. It
// returns once the connect attempt is underway; progress surfaces through
// snapshots. Starting while a session is active or a transition is in flight
// is a no-op.
func (c *SessionController) StartRecording(team string, role string) error {
	team = strings.TrimSpace(team)
	role = strings.TrimSpace(role)
	if team == "" || role == "" {
		return errors.New("team and role are required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		log.Debug().Msg("dropping start request: transition in flight")
		return nil
	}
	if c.session != nil || c.snap.State.Active() {
		c.mu.Unlock()
		log.Debug().Msg("dropping start request: session already active")
		return nil
	}

	c.gen++
	gen := c.gen
	c.inFlight = true
	c.pendingStop = false
	c.handsFree = true
	c.cancelReconnectLocked()
	c.cancelPostSendLocked()
	c.snap = domain.SessionSnapshot{State: domain.SessionStateConnecting, Team: team, Role: role}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().Str("team", team).Str("role", role).Msg("starting voice session")
	c.events.SessionChanged(snap)
	go c.connect(gen, team, role)
	return nil
}

// StopRecording ends the hands-free session. If a connect is in flight the
// stop is queued and executed exactly once when the transition settles.
// Stopping without a session still clears the hands-free flag.
func (c *SessionController) StopRecording() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}

	c.handsFree = false
	c.cancelReconnectLocked()
	c.cancelPostSendLocked()

	if c.inFlight {
		c.pendingStop = true
		snap := c.snapshotLocked()
		c.mu.Unlock()
		log.Debug().Msg("queued stop behind in-flight transition")
		c.events.SessionChanged(snap)
		return nil
	}

	session := c.session
	c.session = nil
	c.idleLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().Msg("stopping voice session")
	c.events.SessionChanged(snap)
	if session != nil {
		session.Disconnect()
	}
	c.wake.SetDesired(false)
	return nil
}

// GetSession returns a copy of the current snapshot.
func (c *SessionController) GetSession() domain.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// GetHistory returns recent dispatches, newest first.
func (c *SessionController) GetHistory() []domain.DispatchRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]domain.DispatchRecord, len(c.history))
	for i, record := range c.history {
		records[len(c.history)-1-i] = record
	}
	return records
}

// Close tears the controller down: timers canceled, session disconnected,
// wake desire dropped. No callbacks mutate state afterwards.
func (c *SessionController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelReconnectLocked()
	c.cancelPostSendLocked()
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}
	session := c.session
	c.session = nil
	c.mu.Unlock()

	c.cancelRoot()
	if session != nil {
		session.Disconnect()
	}
	c.wake.SetDesired(false)
}

// connect dials a fresh speech session with the transition held. Runs on its
// own goroutine for both the initial start and timed reconnects.
func (c *SessionController) connect(gen uint64, team string, role string) {
	session := c.factory.NewSession(ports.SpeechCallbacks{})
	session.UpdateCallbacks(c.callbacksFor(session))

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	if c.pendingStop {
		c.inFlight = false
		c.pendingStop = false
		c.idleLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.events.SessionChanged(snap)
		c.wake.SetDesired(false)
		return
	}
	c.session = session
	c.mu.Unlock()

	if err := session.Connect(c.ctx); err != nil {
		c.mu.Lock()
		if c.closed || c.session != session {
			c.mu.Unlock()
			return
		}
		c.session = nil
		c.inFlight = false
		stopped := c.pendingStop
		c.pendingStop = false
		if stopped {
			c.idleLocked()
		} else {
			c.snap.State = domain.SessionStateError
			c.snap.Error = fmt.Sprintf("failed to connect speech session: %v", err)
			c.snap.Speaking = false
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()

		log.Warn().Err(err).Msg("speech session connect failed")
		c.events.SessionChanged(snap)
		if stopped {
			c.wake.SetDesired(false)
		}
		return
	}

	// The provider normally reports the connection itself; this covers one
	// that returns from Connect without doing so.
	c.handleConnectionChange(session, true)
}

func (c *SessionController) callbacksFor(session ports.SpeechSession) ports.SpeechCallbacks {
	return ports.SpeechCallbacks{
		OnTranscript: func(text string, isFinal bool) {
			c.handleTranscript(session, text, isFinal)
		},
		OnFinalize: func(text string) {
			c.handleFinalize(session, text)
		},
		OnConnectionChange: func(connected bool) {
			c.handleConnectionChange(session, connected)
		},
		OnError: func(err error) {
			c.handleError(session, err)
		},
		OnAudioLevel: func(db float64) {
			c.handleAudioLevel(session, db)
		},
	}
}

func (c *SessionController) handleConnectionChange(session ports.SpeechSession, connected bool) {
	if connected {
		c.handleConnected(session)
		return
	}
	c.handleDropped(session)
}

func (c *SessionController) handleConnected(session ports.SpeechSession) {
	c.mu.Lock()
	if c.closed || c.session != session || c.snap.State != domain.SessionStateConnecting {
		c.mu.Unlock()
		return
	}
	c.snap.State = domain.SessionStateListening
	c.snap.Transcript = ""
	c.snap.Speaking = false
	c.snap.Error = ""
	c.inFlight = false
	stopped := c.pendingStop
	c.pendingStop = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().Msg("speech session connected")
	c.wake.SetDesired(true)
	c.events.SessionChanged(snap)
	if stopped {
		_ = c.StopRecording()
	}
}

// handleDropped reacts to an unexpected transport drop: while hands-free the
// controller discards the dead session and schedules a single reconnect. The
// drop also settles any transition still in flight for that session.
func (c *SessionController) handleDropped(session ports.SpeechSession) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.snap.Speaking = false
	c.inFlight = false
	stopped := c.pendingStop
	c.pendingStop = false

	if !c.handsFree || stopped {
		c.idleLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		go session.Disconnect()
		c.events.SessionChanged(snap)
		c.wake.SetDesired(false)
		return
	}

	c.snap.State = domain.SessionStateConnecting
	gen := c.gen
	team, role := c.snap.Team, c.snap.Role
	c.cancelReconnectLocked()
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.reconnect(gen, team, role)
	})
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Warn().Msg("speech session dropped; reconnecting")
	go session.Disconnect()
	c.events.SessionChanged(snap)
}

func (c *SessionController) reconnect(gen uint64, team string, role string) {
	c.mu.Lock()
	if c.closed || c.gen != gen || !c.handsFree || c.session != nil || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.inFlight = true
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().Str("team", team).Str("role", role).Msg("reconnecting speech session")
	c.events.SessionChanged(snap)
	c.connect(gen, team, role)
}

func (c *SessionController) handleTranscript(session ports.SpeechSession, text string, isFinal bool) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	c.snap.Transcript = text
	c.snap.Speaking = !isFinal
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
}

func (c *SessionController) handleAudioLevel(session ports.SpeechSession, db float64) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	c.snap.AudioLevelDB = db
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
}

func (c *SessionController) handleError(session ports.SpeechSession, err error) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	c.snap.State = domain.SessionStateError
	c.snap.Error = err.Error()
	c.snap.Speaking = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Error().Err(err).Msg("speech session error")
	c.events.SessionChanged(snap)
}

// handleFinalize hands one finalized utterance to the dispatcher. Utterances
// are dropped while another dispatch runs or while the session is not in a
// dispatchable state.
func (c *SessionController) handleFinalize(session ports.SpeechSession, text string) {
	c.mu.Lock()
	if c.closed || c.session != session {
		c.mu.Unlock()
		return
	}
	if c.dispatching {
		c.mu.Unlock()
		log.Debug().Str("utterance", text).Msg("dispatch in flight; dropping utterance")
		return
	}
	switch c.snap.State {
	case domain.SessionStateListening, domain.SessionStateSent, domain.SessionStateError:
	default:
		c.mu.Unlock()
		log.Debug().Str("state", string(c.snap.State)).Msg("not dispatchable; dropping utterance")
		return
	}

	c.dispatching = true
	gen := c.gen
	team, role := c.snap.Team, c.snap.Role
	dispatchCtx, cancel := context.WithCancel(c.ctx)
	c.dispatchCancel = cancel
	c.mu.Unlock()

	go c.dispatch(dispatchCtx, gen, domain.CommandRequest{Team: team, Role: role, Command: text})
}

func (c *SessionController) dispatch(ctx context.Context, gen uint64, req domain.CommandRequest) {
	record := domain.DispatchRecord{
		ID:   uuid.NewString(),
		At:   time.Now(),
		Team: req.Team,
		Role: req.Role,
	}

	outcome, err := c.dispatcher.Dispatch(ctx, req, DispatchHooks{
		Accepted: func(command string) {
			record.Command = command
			c.onDispatchAccepted(gen, command)
		},
		Correcting: func() {
			c.onDispatchCorrecting(gen)
		},
		Token: func(token string) {
			c.onDispatchToken(gen, token)
		},
		Sent: func(corrected string, backlog bool) {
			record.Corrected = corrected
			record.Backlog = backlog
			c.onDispatchSent(gen, corrected, backlog)
		},
	})

	c.mu.Lock()
	c.dispatching = false
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}
	c.mu.Unlock()

	switch outcome {
	case domain.OutcomeSkippedBlank, domain.OutcomeSkippedDuplicate:
		log.Debug().Str("outcome", string(outcome)).Msg("utterance skipped")
		return
	case domain.OutcomeCompleted:
		c.onDispatchCompleted(gen)
	case domain.OutcomeFailed:
		record.Err = err.Error()
		c.onDispatchFailed(gen, err)
	}

	c.appendHistory(record)
}

func (c *SessionController) onDispatchAccepted(gen uint64, command string) {
	c.mu.Lock()
	if c.staleLocked(gen) {
		c.mu.Unlock()
		return
	}
	// A skipped utterance must leave a running post-send settle untouched, so
	// the timer is cleared only once the command is actually taken.
	c.cancelPostSendLocked()
	c.snap.State = domain.SessionStateProcessing
	c.snap.Transcript = command
	c.snap.Speaking = false
	c.snap.CorrectedCommand = ""
	c.snap.FeedbackSummary = ""
	c.snap.Error = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	log.Info().Str("command", command).Msg("dispatching command")
	c.events.SessionChanged(snap)
}

func (c *SessionController) onDispatchCorrecting(gen uint64) {
	c.mu.Lock()
	if c.staleLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.snap.State = domain.SessionStateCorrecting
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
}

func (c *SessionController) onDispatchToken(gen uint64, token string) {
	c.mu.Lock()
	if c.staleLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.snap.CorrectedCommand += token
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
}

func (c *SessionController) onDispatchSent(gen uint64, corrected string, backlog bool) {
	c.mu.Lock()
	stale := c.staleLocked(gen)
	var snap domain.SessionSnapshot
	if !stale {
		c.snap.State = domain.SessionStateSent
		if corrected != "" {
			c.snap.CorrectedCommand = corrected
		}
		if backlog {
			c.snap.FeedbackSummary = "Command routed to the backlog"
		} else {
			c.snap.FeedbackSummary = fmt.Sprintf("Command sent to %s/%s", c.snap.Team, c.snap.Role)
		}
		c.schedulePostSendLocked(gen)
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	// The send happened even if the session moved on; confirmation still
	// sounds and backlog routing is still surfaced.
	c.chime.Play()
	if backlog {
		c.notifier.Notify("Command routed to the backlog")
	}
	if !stale {
		log.Info().Str("corrected", corrected).Bool("backlog", backlog).Msg("command confirmed")
		c.events.SessionChanged(snap)
	}
}

// onDispatchCompleted handles a stream that ended without a confirmation
// record: the command is assumed delivered, without chime or notification.
func (c *SessionController) onDispatchCompleted(gen uint64) {
	c.mu.Lock()
	if c.staleLocked(gen) || c.snap.State == domain.SessionStateSent {
		c.mu.Unlock()
		return
	}
	c.snap.State = domain.SessionStateSent
	c.snap.FeedbackSummary = "Command processed"
	c.schedulePostSendLocked(gen)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
}

func (c *SessionController) onDispatchFailed(gen uint64, err error) {
	unauthorized := errors.Is(err, domain.ErrUnauthorized)

	c.mu.Lock()
	stale := c.staleLocked(gen)
	var snap domain.SessionSnapshot
	if !stale {
		c.snap.State = domain.SessionStateError
		if unauthorized {
			c.snap.Error = "authentication required"
		} else {
			c.snap.Error = err.Error()
		}
		c.snap.Speaking = false
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	log.Error().Err(err).Msg("command dispatch failed")
	if unauthorized {
		c.navigator.NavigateTo("/login")
	}
	if !stale {
		c.events.SessionChanged(snap)
	}
}

func (c *SessionController) schedulePostSendLocked(gen uint64) {
	c.cancelPostSendLocked()
	c.postSendTimer = time.AfterFunc(c.cfg.PostSendDelay, func() {
		c.settlePostSend(gen)
	})
}

// settlePostSend runs when the sent state has been displayed long enough:
// back to listening while hands-free with a live session, otherwise idle.
func (c *SessionController) settlePostSend(gen uint64) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.snap.State != domain.SessionStateSent {
		c.mu.Unlock()
		return
	}
	c.postSendTimer = nil

	session := c.session
	if c.handsFree && session != nil && session.Connected() {
		c.snap.State = domain.SessionStateListening
		c.snap.Transcript = ""
		c.snap.Speaking = false
		c.snap.CorrectedCommand = ""
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.events.SessionChanged(snap)
		return
	}

	c.session = nil
	c.idleLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.events.SessionChanged(snap)
	if session != nil {
		session.Disconnect()
	}
	c.wake.SetDesired(false)
}

func (c *SessionController) appendHistory(record domain.DispatchRecord) {
	c.mu.Lock()
	c.history = append(c.history, record)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
	c.mu.Unlock()
}

// staleLocked reports whether a dispatch hook belongs to a superseded run or
// arrives after its session stopped. A dispatch may still update an error
// state: a failed dispatch is re-issuable while the session lives.
func (c *SessionController) staleLocked(gen uint64) bool {
	if c.closed || c.gen != gen {
		return true
	}
	switch c.snap.State {
	case domain.SessionStateIdle, domain.SessionStateConnecting:
		return true
	default:
		return false
	}
}

// idleLocked settles the snapshot to idle, keeping the addressing and the
// last dispatch result visible.
func (c *SessionController) idleLocked() {
	c.snap = domain.SessionSnapshot{
		State:            domain.SessionStateIdle,
		Team:             c.snap.Team,
		Role:             c.snap.Role,
		CorrectedCommand: c.snap.CorrectedCommand,
		FeedbackSummary:  c.snap.FeedbackSummary,
	}
}

func (c *SessionController) snapshotLocked() domain.SessionSnapshot {
	snap := c.snap
	snap.HandsFree = c.handsFree
	snap.Recording = snap.State.Active()
	return snap
}

func (c *SessionController) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *SessionController) cancelPostSendLocked() {
	if c.postSendTimer != nil {
		c.postSendTimer.Stop()
		c.postSendTimer = nil
	}
}
