package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/anisbr/ragchat/internal/chat"
	"github.com/anisbr/ragchat/internal/history"
	"github.com/anisbr/ragchat/internal/observability"
	"github.com/anisbr/ragchat/internal/policy"
	"github.com/anisbr/ragchat/internal/protocol"
	"github.com/anisbr/ragchat/internal/stream"
	"github.com/anisbr/ragchat/internal/transport"
)

var (
	// ErrBusy rejects a submit while a turn is in flight. This is surfaced
	// synchronously, before any transport is opened; turns are never queued.
	ErrBusy = errors.New("a turn is already in flight")

	// ErrTurnActive rejects reset while a turn is streaming.
	ErrTurnActive = errors.New("cannot reset while a turn is active")

	// ErrTurnFailed wraps the backend's explicit error event.
	ErrTurnFailed = errors.New("turn failed")

	ErrEmptyMessage = errors.New("message text is empty")
)

// failureMessage replaces partial content when the stream breaks before a
// terminal event. The underlying cause travels on the returned error instead.
const failureMessage = "Sorry, something went wrong while answering. Please try again."

// Subscriber receives an immutable turn snapshot after every fold step.
type Subscriber func(chat.Turn)

// Controller owns one conversation's lifecycle: it issues turn requests,
// drives the decode→fold pipeline, enforces single-turn mutual exclusion,
// and reconciles the server-assigned conversation identifier.
type Controller struct {
	transport  transport.Transport
	store      history.Store
	metrics    *observability.Metrics
	collection string

	mu             sync.Mutex
	conversationID string
	active         bool
	cancelTurn     context.CancelFunc
	current        chat.Turn
	hasCurrent     bool
	messages       []chat.Turn
	subscribers    map[int]Subscriber
	nextSubID      int
}

func NewController(tr transport.Transport, store history.Store, metrics *observability.Metrics, collection string) *Controller {
	return &Controller{
		transport:   tr,
		store:       store,
		metrics:     metrics,
		collection:  strings.TrimSpace(collection),
		subscribers: make(map[int]Subscriber),
	}
}

// Subscribe registers a snapshot consumer and returns its unsubscribe func.
// Subscribers are invoked synchronously in fold order and must not mutate
// the snapshot they receive.
func (c *Controller) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Submit runs one full turn: it opens the transport, folds the event stream
// into the assistant turn, and returns once the turn reaches a terminal
// state. A second Submit while one is active fails fast with ErrBusy.
// Cancellation is not an error: the cancelled turn is returned with err nil.
func (c *Controller) Submit(ctx context.Context, text string) (chat.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Turn{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return chat.Turn{}, ErrBusy
	}
	c.active = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	conversationID := c.conversationID
	c.mu.Unlock()

	turn, err := c.run(runCtx, conversationID, text)
	cancel()

	c.mu.Lock()
	c.active = false
	c.cancelTurn = nil
	c.mu.Unlock()

	return turn, err
}

// Cancel aborts the in-flight turn, if any. Cooperative: the transport read
// unblocks, the turn freezes as cancelled with its partial state preserved.
// Idempotent; a no-op when nothing is active.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset clears session history and the conversation identifier. Only legal
// while no turn is active.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrTurnActive
	}
	c.messages = nil
	c.conversationID = ""
	c.hasCurrent = false
	c.current = chat.Turn{}
	return nil
}

// ConversationID returns the canonical server-assigned identifier, empty
// until the first successful turn.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Busy reports whether a turn is currently in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Current returns the latest snapshot of the active or most recent turn.
func (c *Controller) Current() (chat.Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCurrent {
		return chat.Turn{}, false
	}
	return c.current.Clone(), true
}

// Messages returns the finalized turns of this session in order.
func (c *Controller) Messages() []chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Turn, len(c.messages))
	for i, t := range c.messages {
		out[i] = t.Clone()
	}
	return out
}

func (c *Controller) run(ctx context.Context, conversationID, text string) (chat.Turn, error) {
	startedAt := time.Now()

	userTurn := chat.NewUserTurn(conversationID, text)
	assistant := chat.NewAssistantTurn(conversationID)
	c.publish(assistant)

	req := transport.TurnRequest{
		Content:        text,
		ConversationID: optional(conversationID),
		Collection:     optional(c.collection),
	}

	st, err := c.transport.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			assistant = chat.Cancel(assistant)
			c.finishTurn(userTurn, assistant, "cancelled")
			return assistant, nil
		}
		c.countTransportError(err)
		assistant = chat.Fail(assistant, failureMessage)
		c.publish(assistant)
		c.finishTurn(userTurn, assistant, "failed")
		return assistant, fmt.Errorf("open turn stream: %w", err)
	}
	defer st.Body.Close()

	// Adopt the server-issued conversation id on the first turn; a later
	// response without one leaves the existing id untouched.
	if conversationID == "" && st.ConversationID != "" {
		conversationID = st.ConversationID
		userTurn.ConversationID = conversationID
		assistant.ConversationID = conversationID
	}

	var firstTokenAt time.Time
	dec := stream.NewDecoder()
	buf := make([]byte, 32*1024)
	var readErr error

readLoop:
	for {
		n, err := st.Body.Read(buf)
		if n > 0 {
			for _, evt := range dec.Feed(buf[:n]) {
				assistant = c.fold(assistant, evt, startedAt, &firstTokenAt)
				if assistant.Status.Terminal() {
					break readLoop
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, evt := range dec.Finish() {
					assistant = c.fold(assistant, evt, startedAt, &firstTokenAt)
					if assistant.Status.Terminal() {
						break
					}
				}
			} else {
				readErr = err
			}
			break readLoop
		}
	}

	if c.metrics != nil && dec.Dropped() > 0 {
		c.metrics.StreamNoise.Add(float64(dec.Dropped()))
	}

	if !assistant.Status.Terminal() {
		if ctx.Err() != nil {
			assistant = chat.Cancel(assistant)
			c.publish(assistant)
			c.finishTurn(userTurn, assistant, "cancelled")
			return assistant, nil
		}
		// Connection dropped before a done event: not a valid finalization.
		if readErr == nil {
			readErr = errors.New("stream ended before terminal event")
		}
		c.countTransportError(readErr)
		assistant = chat.Fail(assistant, failureMessage)
		c.publish(assistant)
		c.finishTurn(userTurn, assistant, "failed")
		return assistant, fmt.Errorf("turn stream interrupted: %w", readErr)
	}

	switch assistant.Status {
	case chat.StatusFailed:
		c.finishTurn(userTurn, assistant, "failed")
		return assistant, fmt.Errorf("%w: %s", ErrTurnFailed, assistant.Content)
	case chat.StatusCancelled:
		c.finishTurn(userTurn, assistant, "cancelled")
		return assistant, nil
	default:
		c.observeStages(assistant, startedAt, firstTokenAt)
		c.finishTurn(userTurn, assistant, "finalized")
		return assistant, nil
	}
}

func (c *Controller) fold(turn chat.Turn, evt any, startedAt time.Time, firstTokenAt *time.Time) chat.Turn {
	if firstTokenAt.IsZero() {
		switch evt.(type) {
		case protocol.Thinking, protocol.Content:
			*firstTokenAt = time.Now()
			if c.metrics != nil {
				c.metrics.ObserveTTFT(firstTokenAt.Sub(startedAt))
			}
		}
	}
	if c.metrics != nil {
		c.metrics.StreamEvents.WithLabelValues(eventLabel(evt)).Inc()
	}
	next := chat.Apply(turn, evt)
	c.publish(next)
	return next
}

// publish records the snapshot and notifies subscribers synchronously, in
// fold order. Each subscriber gets its own deep copy.
func (c *Controller) publish(turn chat.Turn) {
	c.mu.Lock()
	c.current = turn.Clone()
	c.hasCurrent = true
	subs := make([]Subscriber, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(turn.Clone())
	}
}

// finishTurn appends both turns to the session transcript and persists them
// with the canonical conversation id known at completion time.
func (c *Controller) finishTurn(userTurn, assistant chat.Turn, outcome string) {
	c.mu.Lock()
	if assistant.ConversationID != "" && c.conversationID == "" {
		c.conversationID = assistant.ConversationID
	}
	c.messages = append(c.messages, userTurn, assistant)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Turns.WithLabelValues(outcome).Inc()
	}
	c.persist(userTurn)
	c.persist(assistant)
}

func (c *Controller) persist(turn chat.Turn) {
	if c.store == nil || turn.ConversationID == "" {
		return
	}

	record := history.MessageRecord{
		ID:             turn.ID,
		ConversationID: turn.ConversationID,
		Role:           string(turn.Role),
		Content:        turn.Content,
		ReasoningTrace: turn.ReasoningTrace,
		CreatedAt:      turn.CreatedAt,
	}
	// Stored transcripts are redacted; the live snapshot keeps the raw text.
	if turn.Role == chat.RoleUser {
		record.Content, _ = policy.RedactPII(record.Content)
	}
	if len(turn.ToolCalls) > 0 {
		record.ToolCalls, _ = json.Marshal(turn.ToolCalls)
	}
	if turn.Sources != nil {
		record.Sources, _ = json.Marshal(turn.Sources)
	}
	if turn.Latency != nil {
		record.Latency, _ = json.Marshal(turn.Latency)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.store.SaveTurn(ctx, record)
}

func (c *Controller) observeStages(turn chat.Turn, startedAt, firstTokenAt time.Time) {
	if c.metrics == nil {
		return
	}
	endedAt := time.Now()
	c.metrics.ObserveTurnStage(observability.StageTurnTotal, float64(endedAt.Sub(startedAt).Milliseconds()))
	if !firstTokenAt.IsZero() {
		c.metrics.ObserveTurnStage(observability.StageTTFT, float64(firstTokenAt.Sub(startedAt).Milliseconds()))
		c.metrics.ObserveTurnStage(observability.StageGeneration, float64(endedAt.Sub(firstTokenAt).Milliseconds()))
	}
	if turn.Latency != nil && turn.Latency.Retrieval != nil && turn.Latency.Retrieval.TotalMS != nil {
		c.metrics.ObserveTurnStage(observability.StageRetrieval, *turn.Latency.Retrieval.TotalMS)
	}
}

func (c *Controller) countTransportError(err error) {
	if c.metrics == nil {
		return
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		c.metrics.TransportErrors.WithLabelValues("status").Inc()
		return
	}
	c.metrics.TransportErrors.WithLabelValues("network").Inc()
}

func eventLabel(evt any) string {
	switch evt.(type) {
	case protocol.Thinking:
		return string(protocol.TypeThinking)
	case protocol.ToolStart:
		return string(protocol.TypeToolStart)
	case protocol.ToolEnd:
		return string(protocol.TypeToolEnd)
	case protocol.Content:
		return string(protocol.TypeContent)
	case protocol.ErrorEvent:
		return string(protocol.TypeError)
	case protocol.Done:
		return string(protocol.TypeDone)
	default:
		return "unknown"
	}
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
