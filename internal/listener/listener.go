// Package listener runs the Socket Mode connection that delivers the same
// interaction events as the HTTP ingress, asynchronously. The process
// holds at most one running listener; repeated Start calls return it.
package listener

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/messenger"
)

const (
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// msgUnexpectedError is the generic apology for failures the dispatcher
// surfaced instead of handling in-thread itself.
const msgUnexpectedError = "❌ An error occurred while processing your request. Please try again."

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Listener pumps Socket Mode interaction events into the dispatcher.
type Listener struct {
	dispatcher *dispatch.Dispatcher
	msgr       messenger.Messenger
	socket     socketClient
	out        io.Writer
	cancel     context.CancelFunc
}

// Opts holds parameters for starting the listener.
type Opts struct {
	Dispatcher *dispatch.Dispatcher
	Messenger  messenger.Messenger
	BotToken   string    // xoxb-... Slack bot token
	AppToken   string    // xapp-... app-level token
	Out        io.Writer // defaults to os.Stdout
	// For testing: inject a mock socket instead of the real client.
	Socket socketClient
}

// Process-scoped handle. The long-lived connection must survive across
// independent Start calls, constructed at most once per process.
var (
	mu      sync.Mutex
	current *Listener
)

// Start returns the running listener, creating and starting one if none
// exists. A second Start returns the existing listener rather than
// opening a duplicate connection.
func Start(ctx context.Context, opts Opts) (*Listener, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return current, nil
	}

	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("listener: dispatcher is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("listener: messenger is required")
	}
	if opts.Socket == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("listener: bot token is required")
		}
		if opts.AppToken == "" {
			return nil, fmt.Errorf("listener: app token is required for socket mode")
		}
		api := slackapi.New(opts.BotToken, slackapi.OptionAppLevelToken(opts.AppToken))
		opts.Socket = &realSocketClient{client: socketmode.New(api)}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	l := &Listener{
		dispatcher: opts.Dispatcher,
		msgr:       opts.Messenger,
		socket:     opts.Socket,
		out:        out,
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.runWithReconnect(runCtx)
	go l.pumpEvents(runCtx)

	current = l
	return l, nil
}

// Stop shuts down the running listener, if any, and clears the
// process-scoped handle so a later Start builds a fresh connection.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.cancel()
		current = nil
	}
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it returns an error. The connection is tied to ctx, so Stop
// tears down the websocket rather than leaving it to linger.
func (l *Listener) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := l.socket.RunContext(ctx)
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		log.Printf("listener: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("listener: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pumpEvents reads Socket Mode events and feeds them to the dispatcher.
func (l *Listener) pumpEvents(ctx context.Context) {
	events := l.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			l.handleEvent(ctx, evt)
		}
	}
}

// handleEvent processes a single Socket Mode event. Interactions are
// acknowledged before any handler work so the platform's ack deadline is
// never at the mercy of store or API latency.
func (l *Listener) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			l.socket.Ack(*evt.Request)
		}

		ev, ok := dispatch.FromCallback(&cb)
		if !ok {
			return
		}
		if err := l.dispatcher.Handle(ctx, ev); err != nil {
			log.Printf("listener: handle interaction: %v", err)
			l.apologize(ctx, ev)
		}

	case socketmode.EventTypeConnecting:
		fmt.Fprintf(l.out, "listener: connecting to Socket Mode...\n")

	case socketmode.EventTypeConnected:
		fmt.Fprintf(l.out, "listener: connected to Socket Mode\n")

	case socketmode.EventTypeConnectionError:
		log.Printf("listener: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("listener: server requested disconnect, will reconnect")
	}
}

// apologize posts a best-effort generic error notice into the thread the
// event came from. Only block actions carry thread context directly;
// submission failures already produced a specific notice upstream.
func (l *Listener) apologize(ctx context.Context, ev dispatch.Event) {
	ba, ok := ev.(dispatch.BlockAction)
	if !ok || ba.ChannelID == "" || ba.ThreadID == "" {
		return
	}
	if err := l.msgr.PostThreadMessage(ctx, ba.ChannelID, ba.ThreadID, msgUnexpectedError); err != nil {
		log.Printf("listener: post error notice: %v", err)
	}
}
