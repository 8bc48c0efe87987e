package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"voicedeck/internal/domain"
	"voicedeck/internal/ports"
)

const (
	// maxLineBytes bounds one NDJSON record; correction streams carry short
	// token and status records.
	maxLineBytes = 1 << 20
	// maxErrorSnippet bounds how much of a failure body is logged.
	maxErrorSnippet = 2048
)

// Client streams voice commands to the agent gateway's correction endpoint
// and decodes the NDJSON response records.
type Client struct {
	baseURL string
	tokens  ports.TokenSource
	http    *http.Client
}

func NewClient(baseURL string, tokens ports.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

type commandPayload struct {
	Command string `json:"command"`
}

// StreamCommand posts one command and streams back decoded events. Both
// channels close when the stream ends; the error channel carries at most one
// error. Canceling ctx abandons the stream.
func (c *Client) StreamCommand(ctx context.Context, req domain.CommandRequest) (<-chan domain.CommandEvent, <-chan error) {
	events := make(chan domain.CommandEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if err := c.stream(ctx, req, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (c *Client) stream(ctx context.Context, req domain.CommandRequest, events chan<- domain.CommandEvent) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway token: %w", err)
	}

	payload, err := json.Marshal(commandPayload{Command: req.Command})
	if err != nil {
		return fmt.Errorf("failed to encode command payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/voice/command/%s/%s",
		c.baseURL, url.PathEscape(req.Team), url.PathEscape(req.Role))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build command request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("command request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return domain.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		log.Warn().
			Int("status", resp.StatusCode).
			Str("team", req.Team).
			Str("role", req.Role).
			Str("body", strings.TrimSpace(string(snippet))).
			Msg("command endpoint rejected dispatch")
		return &domain.StatusError{Code: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event domain.CommandEvent
		if err := json.Unmarshal(line, &event); err != nil {
			log.Debug().Err(err).Msg("skipping undecodable stream line")
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("command stream interrupted: %w", err)
	}
	return nil
}
