package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"voicedeck/internal/domain"
	"voicedeck/internal/ports"
)

// DispatchHooks receives dispatch lifecycle callbacks. Nil members are
// skipped. Hooks fire on the Dispatch goroutine, in order: Accepted,
// Correcting, zero or more Token calls, then at most one Sent.
type DispatchHooks struct {
	Accepted   func(command string)
	Correcting func()
	Token      func(token string)
	Sent       func(corrected string, backlog bool)
}

func (h DispatchHooks) fireAccepted(command string) {
	if h.Accepted != nil {
		h.Accepted(command)
	}
}

func (h DispatchHooks) fireCorrecting() {
	if h.Correcting != nil {
		h.Correcting()
	}
}

func (h DispatchHooks) fireToken(token string) {
	if h.Token != nil {
		h.Token(token)
	}
}

func (h DispatchHooks) fireSent(corrected string, backlog bool) {
	if h.Sent != nil {
		h.Sent(corrected, backlog)
	}
}

// CommandDispatcher normalizes finalized utterances, suppresses blank and
// rapid duplicate commands, and streams accepted ones to the correction
// endpoint.
type CommandDispatcher struct {
	streamer ports.CommandStreamer
	vocab    ports.Normalizer
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastText string
	lastAt   time.Time
}

func NewCommandDispatcher(streamer ports.CommandStreamer, vocab ports.Normalizer, window time.Duration) *CommandDispatcher {
	if window < 0 {
		window = 0
	}
	return &CommandDispatcher{
		streamer: streamer,
		vocab:    vocab,
		window:   window,
		now:      time.Now,
	}
}

// Dispatch sends one finalized utterance. It is synchronous; callers run it
// off their own goroutine and serialize calls. The debounce record updates
// only when a command is accepted, so a skipped duplicate does not extend
// the window.
func (d *CommandDispatcher) Dispatch(ctx context.Context, req domain.CommandRequest, hooks DispatchHooks) (domain.DispatchOutcome, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return domain.OutcomeSkippedBlank, nil
	}

	if d.vocab != nil {
		normalized, err := d.vocab.Normalize(command)
		if err != nil {
			return domain.OutcomeFailed, fmt.Errorf("vocabulary normalization failed: %w", err)
		}
		command = strings.TrimSpace(normalized)
		if command == "" {
			return domain.OutcomeSkippedBlank, nil
		}
	}

	now := d.now()
	d.mu.Lock()
	if command == d.lastText && now.Sub(d.lastAt) < d.window {
		d.mu.Unlock()
		log.Debug().Str("command", command).Msg("suppressed duplicate dispatch")
		return domain.OutcomeSkippedDuplicate, nil
	}
	d.lastText = command
	d.lastAt = now
	d.mu.Unlock()

	hooks.fireAccepted(command)

	req.Command = command
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hooks.fireCorrecting()
	events, errs := d.streamer.StreamCommand(streamCtx, req)

	for event := range events {
		switch event.Type {
		case domain.CommandEventToken:
			hooks.fireToken(event.Token)
		case domain.CommandEventSent:
			// Confirmation ends the dispatch; the rest of the stream is
			// abandoned via the deferred cancel.
			hooks.fireSent(event.CorrectedCommand, event.RoutedToBacklog)
			return domain.OutcomeSent, nil
		default:
			log.Debug().Str("type", string(event.Type)).Msg("ignoring unknown stream record")
		}
	}

	if err := <-errs; err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeCompleted, nil
}
