package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voicedeck/internal/domain"
	"voicedeck/internal/ports"
)

func TestControllerInitialSnapshotIdle(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	snap := fx.controller.GetSession()
	if snap.State != domain.SessionStateIdle {
		t.Fatalf("initial state = %q, want %q", snap.State, domain.SessionStateIdle)
	}
	if snap.Recording || snap.HandsFree {
		t.Fatalf("initial snapshot reports activity: %+v", snap)
	}
	if got := fx.controller.GetHistory(); len(got) != 0 {
		t.Fatalf("initial history = %v, want empty", got)
	}
}

func TestControllerStartToListening(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)

	snap := fx.controller.GetSession()
	if snap.Team != "backend" || snap.Role != "architect" {
		t.Fatalf("addressing = %s/%s, want backend/architect", snap.Team, snap.Role)
	}
	if !snap.HandsFree || !snap.Recording {
		t.Fatalf("listening snapshot not active: %+v", snap)
	}
	if snap.Error != "" {
		t.Fatalf("listening snapshot carries error %q", snap.Error)
	}
	waitFor(t, "wake lock desired", func() bool {
		log := fx.wake.desireLog()
		return len(log) > 0 && log[len(log)-1]
	})
	if got := fx.factory.madeCount(); got != 1 {
		t.Fatalf("sessions made = %d, want 1", got)
	}
}

func TestControllerStartRequiresAddressing(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	for _, pair := range [][2]string{{"", "architect"}, {"backend", ""}, {"  ", "  "}} {
		if err := fx.controller.StartRecording(pair[0], pair[1]); err == nil {
			t.Fatalf("StartRecording(%q, %q) accepted empty addressing", pair[0], pair[1])
		}
	}
	if got := fx.factory.madeCount(); got != 0 {
		t.Fatalf("sessions made = %d, want 0", got)
	}
	if state := fx.controller.GetSession().State; state != domain.SessionStateIdle {
		t.Fatalf("state = %q, want idle", state)
	}
}

func TestControllerStartWhileActiveIsDropped(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)

	if err := fx.controller.StartRecording("frontend", "developer"); err != nil {
		t.Fatalf("second StartRecording: %v", err)
	}
	if got := fx.factory.madeCount(); got != 1 {
		t.Fatalf("sessions made = %d, want the second start dropped", got)
	}
	if snap := fx.controller.GetSession(); snap.Team != "backend" {
		t.Fatalf("addressing changed to %s, want backend kept", snap.Team)
	}
}

func TestControllerConnectFailure(t *testing.T) {
	t.Parallel()

	session := &fakeSpeechSession{connectErr: errors.New("dial tcp: connection refused")}
	fx := newControllerFixture(t, 500*time.Millisecond, session)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateError)

	snap := fx.controller.GetSession()
	if !strings.Contains(snap.Error, "failed to connect speech session") {
		t.Fatalf("error = %q, want a connect failure", snap.Error)
	}
	if snap.Recording {
		t.Fatalf("error snapshot still reports recording")
	}
	if !snap.HandsFree {
		t.Fatalf("hands-free flag dropped by a failed connect")
	}
	for _, desired := range fx.wake.desireLog() {
		if desired {
			t.Fatalf("wake lock desired despite the connect failing")
		}
	}
}

func TestControllerHappyPathCommandFlow(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setScripts(streamScript{events: []domain.CommandEvent{
		{Type: domain.CommandEventToken, Token: "deploy "},
		{Type: domain.CommandEventToken, Token: "the API"},
		{Type: domain.CommandEventSent, CorrectedCommand: "deploy the API"},
	}})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	session.transcript("deploy the", false)
	if snap := fx.controller.GetSession(); snap.Transcript != "deploy the" || !snap.Speaking {
		t.Fatalf("interim snapshot = %+v, want live transcript", snap)
	}

	session.finalize("deploy the api")
	fx.waitState(t, domain.SessionStateSent)

	snap := fx.controller.GetSession()
	if snap.CorrectedCommand != "deploy the API" {
		t.Fatalf("corrected = %q, want the confirmed text", snap.CorrectedCommand)
	}
	if snap.FeedbackSummary != "Command sent to backend/architect" {
		t.Fatalf("summary = %q", snap.FeedbackSummary)
	}

	requests := fx.streamer.requests()
	if len(requests) != 1 || requests[0] != (domain.CommandRequest{Team: "backend", Role: "architect", Command: "deploy the api"}) {
		t.Fatalf("stream requests = %+v", requests)
	}

	// Tokens build the correction live, one snapshot per token, in order.
	if corrected := fx.sink.correctedValues(); !containsValueSequence(corrected, "deploy ", "deploy the API") {
		t.Fatalf("corrected progression %v missing the token accumulation", corrected)
	}

	// After the post-send delay the session returns to listening with a
	// clean slate for the next utterance.
	fx.waitState(t, domain.SessionStateListening)
	snap = fx.controller.GetSession()
	if snap.Transcript != "" || snap.CorrectedCommand != "" {
		t.Fatalf("post-send snapshot not cleared: %+v", snap)
	}
	if got := fx.chime.playCount(); got != 1 {
		t.Fatalf("chime played %d times, want 1", got)
	}
	if got := fx.notifier.list(); len(got) != 0 {
		t.Fatalf("notifications = %v, want none for a direct send", got)
	}

	if !containsStateSequence(fx.sink.states(),
		domain.SessionStateConnecting,
		domain.SessionStateListening,
		domain.SessionStateProcessing,
		domain.SessionStateCorrecting,
		domain.SessionStateSent,
		domain.SessionStateListening,
	) {
		t.Fatalf("emitted states %v missing the command lifecycle", fx.sink.states())
	}

	history := fx.controller.GetHistory()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.Command != "deploy the api" || record.Corrected != "deploy the API" || record.Backlog || record.Err != "" {
		t.Fatalf("history record = %+v", record)
	}
}

func TestControllerBlankUtteranceLeavesSessionUntouched(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setScripts(streamScript{events: []domain.CommandEvent{
		{Type: domain.CommandEventSent, CorrectedCommand: "status report"},
	}})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	session.finalize("   \t ")
	time.Sleep(50 * time.Millisecond)

	if got := fx.streamer.callCount(); got != 0 {
		t.Fatalf("blank utterance reached the streamer %d times", got)
	}
	if state := fx.controller.GetSession().State; state != domain.SessionStateListening {
		t.Fatalf("state = %q, want listening untouched", state)
	}
	if containsState(fx.sink.states(), domain.SessionStateProcessing) {
		t.Fatalf("blank utterance emitted a processing state")
	}

	session.finalize("status report")
	fx.waitState(t, domain.SessionStateSent)
	requests := fx.streamer.requests()
	if len(requests) != 1 || requests[0].Command != "status report" {
		t.Fatalf("stream requests = %+v, want only the real command", requests)
	}
	if got := len(fx.controller.GetHistory()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestControllerDuplicateCommandDispatchedOnce(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 10*time.Second)
	fx.streamer.setScripts(
		streamScript{events: []domain.CommandEvent{{Type: domain.CommandEventSent, CorrectedCommand: "restart the api"}}},
		streamScript{events: []domain.CommandEvent{{Type: domain.CommandEventSent, CorrectedCommand: "restart the api"}}},
	)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	session.finalize("restart the api")
	fx.waitState(t, domain.SessionStateSent)
	session.finalize("restart the api")

	// The duplicate is suppressed without disturbing the post-send settle.
	fx.waitState(t, domain.SessionStateListening)
	if got := fx.streamer.callCount(); got != 1 {
		t.Fatalf("stream calls = %d, want the duplicate suppressed", got)
	}
	if got := len(fx.controller.GetHistory()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
	if got := fx.chime.playCount(); got != 1 {
		t.Fatalf("chime played %d times, want 1", got)
	}
}

func TestControllerBacklogRoutingNotifiesOnce(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setScripts(streamScript{events: []domain.CommandEvent{
		{Type: domain.CommandEventToken, Token: "file a ticket"},
		{Type: domain.CommandEventSent, CorrectedCommand: "file a ticket", RoutedToBacklog: true},
	}})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).finalize("file a ticket")
	fx.waitState(t, domain.SessionStateSent)

	if snap := fx.controller.GetSession(); snap.FeedbackSummary != "Command routed to the backlog" {
		t.Fatalf("summary = %q", snap.FeedbackSummary)
	}
	fx.waitState(t, domain.SessionStateListening)

	if got := fx.notifier.list(); len(got) != 1 || got[0] != "Command routed to the backlog" {
		t.Fatalf("notifications = %v, want exactly one backlog notice", got)
	}
	if got := fx.chime.playCount(); got != 1 {
		t.Fatalf("chime played %d times, want 1", got)
	}
	history := fx.controller.GetHistory()
	if len(history) != 1 || !history[0].Backlog {
		t.Fatalf("history = %+v, want one backlog record", history)
	}
}

func TestControllerUnauthorizedRedirectsToLogin(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setScripts(streamScript{err: domain.ErrUnauthorized})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).finalize("deploy the api")
	fx.waitState(t, domain.SessionStateError)

	if snap := fx.controller.GetSession(); snap.Error != "authentication required" {
		t.Fatalf("error = %q, want authentication required", snap.Error)
	}
	waitFor(t, "login redirect", func() bool {
		return len(fx.navigator.visited()) == 1
	})
	if got := fx.navigator.visited(); got[0] != "/login" {
		t.Fatalf("navigated to %v, want /login", got)
	}

	history := fx.controller.GetHistory()
	if len(history) != 1 || history[0].Err != "unauthorized" {
		t.Fatalf("history = %+v, want the failure recorded", history)
	}
	if got := fx.chime.playCount(); got != 0 {
		t.Fatalf("chime played %d times on a failure", got)
	}
}

func TestControllerServerErrorAllowsRetry(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, time.Millisecond)
	fx.streamer.setScripts(
		streamScript{err: &domain.StatusError{Code: 500}},
		streamScript{events: []domain.CommandEvent{{Type: domain.CommandEventSent, CorrectedCommand: "deploy the api"}}},
	)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	session.finalize("deploy the api")
	fx.waitState(t, domain.SessionStateError)
	if snap := fx.controller.GetSession(); !strings.Contains(snap.Error, "500") {
		t.Fatalf("error = %q, want the status surfaced", snap.Error)
	}

	session.finalize("deploy the api")
	fx.waitState(t, domain.SessionStateSent)
	if got := fx.streamer.callCount(); got != 2 {
		t.Fatalf("stream calls = %d, want the retry dispatched", got)
	}
	history := fx.controller.GetHistory()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want both attempts", len(history))
	}
	if history[0].Err != "" || history[1].Err == "" {
		t.Fatalf("history order = %+v, want newest first", history)
	}
	if got := fx.navigator.visited(); len(got) != 0 {
		t.Fatalf("navigated to %v on a non-auth failure", got)
	}
}

func TestControllerDropReconnectsOnce(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	first := fx.session(t, 0)

	first.drop()
	if state := fx.controller.GetSession().State; state != domain.SessionStateConnecting {
		t.Fatalf("state after drop = %q, want connecting", state)
	}

	waitFor(t, "replacement session", func() bool { return fx.factory.madeCount() == 2 })
	fx.waitState(t, domain.SessionStateListening)
	waitFor(t, "dropped session to disconnect", func() bool {
		_, disconnects := first.stats()
		return disconnects > 0
	})

	// A second replacement must not appear; the reconnect fires once.
	time.Sleep(4 * fx.reconnectDelay)
	if got := fx.factory.madeCount(); got != 2 {
		t.Fatalf("sessions made = %d, want a single reconnect", got)
	}
	if snap := fx.controller.GetSession(); snap.Team != "backend" || snap.Role != "architect" {
		t.Fatalf("addressing lost across reconnect: %+v", snap)
	}
}

func TestControllerStopCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).drop()

	if err := fx.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateIdle)

	time.Sleep(4 * fx.reconnectDelay)
	if got := fx.factory.madeCount(); got != 1 {
		t.Fatalf("sessions made = %d, want the reconnect canceled", got)
	}
	if snap := fx.controller.GetSession(); snap.HandsFree || snap.State != domain.SessionStateIdle {
		t.Fatalf("snapshot after stop = %+v", snap)
	}
}

func TestControllerStopDuringConnectRunsOnce(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	session := &fakeSpeechSession{gate: gate}
	fx := newControllerFixture(t, 500*time.Millisecond, session)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	waitFor(t, "connect to begin", func() bool {
		connects, _ := session.stats()
		return connects == 1
	})

	if err := fx.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	snap := fx.controller.GetSession()
	if snap.HandsFree {
		t.Fatalf("hands-free still set after stop")
	}
	if snap.State != domain.SessionStateConnecting {
		t.Fatalf("state = %q, want connecting while the stop is queued", snap.State)
	}

	close(gate)
	fx.waitState(t, domain.SessionStateIdle)
	if _, disconnects := session.stats(); disconnects != 1 {
		t.Fatalf("disconnects = %d, want the queued stop to run once", disconnects)
	}
	waitFor(t, "wake lock released", func() bool {
		log := fx.wake.desireLog()
		return len(log) > 0 && !log[len(log)-1]
	})
}

func TestControllerStopWithoutSessionClearsHandsFree(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	snap := fx.controller.GetSession()
	if snap.State != domain.SessionStateIdle || snap.HandsFree {
		t.Fatalf("snapshot = %+v, want idle", snap)
	}
	if got := fx.factory.madeCount(); got != 0 {
		t.Fatalf("sessions made = %d", got)
	}
}

func TestControllerStopDisconnectsAndReleasesWake(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	if err := fx.controller.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateIdle)
	if _, disconnects := session.stats(); disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", disconnects)
	}
	waitFor(t, "wake lock released", func() bool {
		log := fx.wake.desireLog()
		return len(log) > 0 && !log[len(log)-1]
	})

	// Stopping again stays a harmless no-op.
	if err := fx.controller.StopRecording(); err != nil {
		t.Fatalf("second StopRecording: %v", err)
	}
	if _, disconnects := session.stats(); disconnects != 1 {
		t.Fatalf("second stop disconnected again")
	}
}

func TestControllerUtteranceDroppedWhileDispatchInFlight(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setHold(hold)
	fx.streamer.setScripts(streamScript{events: []domain.CommandEvent{
		{Type: domain.CommandEventSent, CorrectedCommand: "first command"},
	}})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	session.finalize("first command")
	fx.waitState(t, domain.SessionStateCorrecting)
	session.finalize("second command")

	close(hold)
	fx.waitState(t, domain.SessionStateSent)
	requests := fx.streamer.requests()
	if len(requests) != 1 || requests[0].Command != "first command" {
		t.Fatalf("stream requests = %+v, want the overlapping utterance dropped", requests)
	}
	if got := len(fx.controller.GetHistory()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestControllerCompletedStreamWithoutConfirmation(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)
	fx.streamer.setScripts(streamScript{events: []domain.CommandEvent{
		{Type: domain.CommandEventToken, Token: "working on it"},
	}})

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).finalize("do the thing")
	fx.waitState(t, domain.SessionStateSent)

	if snap := fx.controller.GetSession(); snap.FeedbackSummary != "Command processed" {
		t.Fatalf("summary = %q", snap.FeedbackSummary)
	}
	fx.waitState(t, domain.SessionStateListening)
	if got := fx.chime.playCount(); got != 0 {
		t.Fatalf("chime played %d times without a confirmation", got)
	}
	history := fx.controller.GetHistory()
	if len(history) != 1 || history[0].Corrected != "" || history[0].Err != "" {
		t.Fatalf("history = %+v", history)
	}
}

func TestControllerSpeechErrorSurfaces(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).reportError(errors.New("websocket: bad handshake"))

	snap := fx.controller.GetSession()
	if snap.State != domain.SessionStateError {
		t.Fatalf("state = %q, want error", snap.State)
	}
	if !strings.Contains(snap.Error, "bad handshake") {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestControllerAudioLevelUpdates(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	fx.session(t, 0).level(-42.5)

	if got := fx.controller.GetSession().AudioLevelDB; got != -42.5 {
		t.Fatalf("audio level = %v, want -42.5", got)
	}
}

func TestControllerHistoryNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, time.Millisecond)
	commands := []string{"command one", "command two", "command three", "command four", "command five"}
	scripts := make([]streamScript, len(commands))
	for i := range scripts {
		scripts[i] = streamScript{events: []domain.CommandEvent{{Type: domain.CommandEventSent}}}
	}
	fx.streamer.setScripts(scripts...)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	for _, command := range commands {
		session.finalize(command)
		waitFor(t, fmt.Sprintf("dispatch of %q recorded", command), func() bool {
			history := fx.controller.GetHistory()
			return len(history) > 0 && history[0].Command == command
		})
	}

	history := fx.controller.GetHistory()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want the oldest entry evicted", len(history))
	}
	if history[0].Command != "command five" || history[3].Command != "command two" {
		t.Fatalf("history order = %+v, want newest first", history)
	}
}

func TestControllerCloseShutsDown(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, 500*time.Millisecond)

	if err := fx.controller.StartRecording("backend", "architect"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fx.waitState(t, domain.SessionStateListening)
	session := fx.session(t, 0)

	fx.controller.Close()
	if _, disconnects := session.stats(); disconnects != 1 {
		t.Fatalf("disconnects after close = %d, want 1", disconnects)
	}
	if err := fx.controller.StartRecording("backend", "architect"); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("StartRecording after close = %v, want ErrControllerClosed", err)
	}
	if err := fx.controller.StopRecording(); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("StopRecording after close = %v, want ErrControllerClosed", err)
	}

	// Late callbacks from the dead session must not revive anything.
	emitted := fx.sink.count()
	session.finalize("ghost command")
	session.transcript("ghost", false)
	if got := fx.streamer.callCount(); got != 0 {
		t.Fatalf("stream calls after close = %d", got)
	}
	if got := fx.sink.count(); got != emitted {
		t.Fatalf("snapshots emitted after close: %d -> %d", emitted, got)
	}
}

// --- fixture and fakes ---

type controllerFixture struct {
	factory        *fakeSessionFactory
	streamer       *fakeStreamer
	wake           *fakeWakeLock
	chime          *fakeChime
	notifier       *fakeNotifier
	navigator      *fakeNavigator
	sink           *fakeEventSink
	controller     *SessionController
	reconnectDelay time.Duration
}

func newControllerFixture(t *testing.T, window time.Duration, sessions ...*fakeSpeechSession) *controllerFixture {
	t.Helper()

	fx := &controllerFixture{
		factory:        &fakeSessionFactory{queue: sessions},
		streamer:       &fakeStreamer{},
		wake:           &fakeWakeLock{},
		chime:          &fakeChime{},
		notifier:       &fakeNotifier{},
		navigator:      &fakeNavigator{},
		sink:           &fakeEventSink{},
		reconnectDelay: 25 * time.Millisecond,
	}
	dispatcher := NewCommandDispatcher(fx.streamer, nil, window)
	fx.controller = NewSessionController(
		fx.factory, dispatcher, fx.wake, fx.chime, fx.notifier, fx.navigator, fx.sink,
		Config{ReconnectDelay: fx.reconnectDelay, PostSendDelay: 60 * time.Millisecond, HistorySize: 4},
	)
	t.Cleanup(fx.controller.Close)
	return fx
}

func (x *controllerFixture) waitState(t *testing.T, want domain.SessionState) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %q", want), func() bool {
		return x.controller.GetSession().State == want
	})
}

// session waits for the factory to have produced the session at index.
func (x *controllerFixture) session(t *testing.T, index int) *fakeSpeechSession {
	t.Helper()
	var session *fakeSpeechSession
	waitFor(t, fmt.Sprintf("session %d", index), func() bool {
		sessions := x.factory.made()
		if index < len(sessions) {
			session = sessions[index]
			return true
		}
		return false
	})
	return session
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsState(states []domain.SessionState, want domain.SessionState) bool {
	for _, state := range states {
		if state == want {
			return true
		}
	}
	return false
}

func containsStateSequence(states []domain.SessionState, want ...domain.SessionState) bool {
	next := 0
	for _, state := range states {
		if next < len(want) && state == want[next] {
			next++
		}
	}
	return next == len(want)
}

func containsValueSequence(values []string, want ...string) bool {
	next := 0
	for _, value := range values {
		if next < len(want) && value == want[next] {
			next++
		}
	}
	return next == len(want)
}

// fakeSpeechSession reports connected from inside Connect the way the live
// provider does. gate, when set, blocks Connect until the channel closes.
type fakeSpeechSession struct {
	mu           sync.Mutex
	cb           ports.SpeechCallbacks
	gate         chan struct{}
	connectErr   error
	connectCalls int
	disconnects  int
	connected    bool
}

func (f *fakeSpeechSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	gate := f.gate
	err := f.connectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.connected = true
	cb := f.cb
	f.mu.Unlock()
	if cb.OnConnectionChange != nil {
		cb.OnConnectionChange(true)
	}
	return nil
}

func (f *fakeSpeechSession) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSpeechSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSpeechSession) Transcript() string { return "" }

func (f *fakeSpeechSession) UpdateCallbacks(cb ports.SpeechCallbacks) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeSpeechSession) callbacks() ports.SpeechCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeSpeechSession) stats() (connects int, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.disconnects
}

func (f *fakeSpeechSession) transcript(text string, isFinal bool) {
	if cb := f.callbacks(); cb.OnTranscript != nil {
		cb.OnTranscript(text, isFinal)
	}
}

func (f *fakeSpeechSession) finalize(text string) {
	if cb := f.callbacks(); cb.OnFinalize != nil {
		cb.OnFinalize(text)
	}
}

func (f *fakeSpeechSession) reportError(err error) {
	if cb := f.callbacks(); cb.OnError != nil {
		cb.OnError(err)
	}
}

func (f *fakeSpeechSession) level(db float64) {
	if cb := f.callbacks(); cb.OnAudioLevel != nil {
		cb.OnAudioLevel(db)
	}
}

// drop simulates an unexpected transport loss.
func (f *fakeSpeechSession) drop() {
	f.mu.Lock()
	f.connected = false
	cb := f.cb
	f.mu.Unlock()
	if cb.OnConnectionChange != nil {
		cb.OnConnectionChange(false)
	}
}

// fakeSessionFactory hands out queued sessions first, then fresh defaults.
type fakeSessionFactory struct {
	mu       sync.Mutex
	queue    []*fakeSpeechSession
	sessions []*fakeSpeechSession
}

func (f *fakeSessionFactory) NewSession(cb ports.SpeechCallbacks) ports.SpeechSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := &fakeSpeechSession{}
	if len(f.sessions) < len(f.queue) {
		session = f.queue[len(f.sessions)]
	}
	session.cb = cb
	f.sessions = append(f.sessions, session)
	return session
}

func (f *fakeSessionFactory) made() []*fakeSpeechSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSpeechSession(nil), f.sessions...)
}

func (f *fakeSessionFactory) madeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeWakeLock struct {
	mu      sync.Mutex
	desires []bool
}

func (f *fakeWakeLock) SetDesired(on bool) {
	f.mu.Lock()
	f.desires = append(f.desires, on)
	f.mu.Unlock()
}

func (f *fakeWakeLock) HandleVisibility(bool) {}

func (f *fakeWakeLock) Close() {}

func (f *fakeWakeLock) desireLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.desires...)
}

type fakeChime struct {
	mu    sync.Mutex
	plays int
}

func (f *fakeChime) Play() {
	f.mu.Lock()
	f.plays++
	f.mu.Unlock()
}

func (f *fakeChime) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(message string) {
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
}

func (f *fakeNotifier) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeNavigator) NavigateTo(path string) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
}

func (f *fakeNavigator) visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeEventSink struct {
	mu    sync.Mutex
	snaps []domain.SessionSnapshot
}

func (f *fakeEventSink) SessionChanged(snap domain.SessionSnapshot) {
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	f.mu.Unlock()
}

func (f *fakeEventSink) states() []domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]domain.SessionState, len(f.snaps))
	for i, snap := range f.snaps {
		states[i] = snap.State
	}
	return states
}

func (f *fakeEventSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func (f *fakeEventSink) correctedValues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := make([]string, len(f.snaps))
	for i, snap := range f.snaps {
		values[i] = snap.CorrectedCommand
	}
	return values
}
