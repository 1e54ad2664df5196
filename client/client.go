// Package client implements the reconnecting stream consumer. It maintains
// one long-lived SSE connection to the sweep server, recovers from drops
// with exponential backoff and tears down connections that go silent for
// too long.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/hb9tf/sweepd/stream"
)

// ConnState is the reconnector's externally visible state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	// StateTerminal means the retry budget is spent; a fresh Run is
	// required.
	StateTerminal ConnState = "terminal"
)

const (
	// reconnectBaseDelay doubles per attempt up to reconnectMaxDelay.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	// DefaultMaxAttempts is how many consecutive failed connections are
	// tolerated before giving up.
	DefaultMaxAttempts = 10

	// DefaultStaleAfter declares a connection dead when neither data nor
	// heartbeat arrived for this long.
	DefaultStaleAfter  = 90 * time.Second
	staleCheckInterval = 5 * time.Second
)

// ErrTerminal is returned by Run once the retry budget is exhausted.
var ErrTerminal = errors.New("reconnect attempts exhausted; refresh required")

var errStale = errors.New("connection stale")

// backoffDelay is the wait before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s, then capped at 30s.
func backoffDelay(attempt int) time.Duration {
	d := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return d
}

// Options wires a Reconnector. URL is the only required field.
type Options struct {
	URL        string
	HTTPClient *http.Client
	Clock      clock.Clock

	// MaxAttempts overrides DefaultMaxAttempts, StaleAfter overrides
	// DefaultStaleAfter.
	MaxAttempts int
	StaleAfter  time.Duration

	// OnEvent receives every decoded stream event in arrival order.
	OnEvent func(stream.Envelope)
	// OnState observes connection state changes.
	OnState func(ConnState)
}

// Reconnector consumes the server's event stream and owns all reconnect
// policy. Run drives it; Pause and Resume are safe from any goroutine.
type Reconnector struct {
	url         string
	httpc       *http.Client
	clk         clock.Clock
	maxAttempts int
	staleAfter  time.Duration
	onEvent     func(stream.Envelope)
	onState     func(ConnState)

	mu        sync.Mutex
	state     ConnState
	attempts  int
	lastEvent time.Time
	paused    bool
}

func New(opts Options) *Reconnector {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Reconnector{
		url:         opts.URL,
		httpc:       opts.HTTPClient,
		clk:         opts.Clock,
		maxAttempts: opts.MaxAttempts,
		staleAfter:  opts.StaleAfter,
		onEvent:     opts.OnEvent,
		onState:     opts.OnState,
		state:       StateDisconnected,
	}
}

// State reports the current connection state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts reports consecutive failed connection attempts since the last
// successful connect.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Pause suspends staleness detection, e.g. while the consumer is
// backgrounded and not draining events. The connection itself stays up.
func (r *Reconnector) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume re-enables staleness detection with a fresh baseline so time spent
// paused never counts as silence.
func (r *Reconnector) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.lastEvent = r.clk.Now()
}

func (r *Reconnector) setState(s ConnState) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	if r.onState != nil {
		r.onState(s)
	}
}

// Run connects and consumes events until ctx is done or the retry budget is
// exhausted. It satisfies suture.Service.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		r.setState(StateConnecting)
		err := r.consume(ctx)
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}
		glog.Warningf("stream connection lost: %s", err)

		r.mu.Lock()
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()
		if attempt >= r.maxAttempts {
			r.setState(StateTerminal)
			return fmt.Errorf("%w (after %d attempts)", ErrTerminal, attempt)
		}

		delay := backoffDelay(attempt)
		r.setState(StateDisconnected)
		glog.Infof("reconnecting in %s (attempt %d/%d)", delay, attempt, r.maxAttempts)
		t := r.clk.Timer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// consume opens one connection and reads it to failure. A nil-free return
// is impossible: a healthy stream only ends when something breaks it.
func (r *Reconnector) consume(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	r.mu.Lock()
	r.attempts = 0
	r.lastEvent = r.clk.Now()
	r.mu.Unlock()
	r.setState(StateConnected)
	glog.Infof("stream connected to %s", r.url)

	staleCh := make(chan struct{})
	go r.watchStaleness(connCtx, cancel, staleCh)

	err = r.readEvents(resp.Body)
	select {
	case <-staleCh:
		return errStale
	default:
		return err
	}
}

// watchStaleness cancels the connection when no event arrived within the
// staleness window. Pause suspends the check without touching the
// connection.
func (r *Reconnector) watchStaleness(ctx context.Context, cancel context.CancelFunc, staleCh chan<- struct{}) {
	ticker := r.clk.Ticker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			silent := !r.paused && r.clk.Since(r.lastEvent) >= r.staleAfter
			r.mu.Unlock()
			if silent {
				glog.Warningf("no event for %s, declaring stream stale", r.staleAfter)
				close(staleCh)
				cancel()
				return
			}
		}
	}
}

// readEvents decodes SSE frames: "event:" names the type, "data:" lines
// accumulate the payload and a blank line dispatches.
func (r *Reconnector) readEvents(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		eventName string
		data      []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" || len(data) > 0 {
				r.dispatch(eventName, strings.Join(data, "\n"))
			}
			eventName, data = "", nil
		case strings.HasPrefix(line, ":"):
			// Comment, typically a keep-alive. Still proof of life.
			r.touch()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

func (r *Reconnector) touch() {
	r.mu.Lock()
	r.lastEvent = r.clk.Now()
	r.mu.Unlock()
}

func (r *Reconnector) dispatch(name, data string) {
	r.touch()
	if r.onEvent == nil {
		return
	}
	r.onEvent(stream.Envelope{Type: stream.EventType(name), Data: []byte(data)})
}
