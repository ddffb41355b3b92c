package aggregate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	"github.com/dimasma0305/gzstream/internal/gzstream/classify"
	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
	"github.com/dimasma0305/gzstream/internal/gzstream/throttle"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

// Subscriber is the part of the event bus a Router needs
type Subscriber interface {
	On(topic string, handler bus.Handler) bus.Subscription
	Off(sub bus.Subscription)
}

// handlerTimeout bounds history calls made from a bus handler
const handlerTimeout = 10 * time.Second

// Router feeds bus messages for one scenario into its Aggregator
type Router struct {
	agg      *Aggregator
	scenario types.Scenario
	bus      Subscriber
	sender   Sender
	spacer   *throttle.Spacer

	mu     sync.Mutex
	subs   []bus.Subscription
	onDone []CompletionListener
	closed bool
}

// NewRouter binds agg to b. sender and spacer may be nil; without a sender the
// router never subscribes on the backend.
func NewRouter(agg *Aggregator, scenario types.Scenario, b Subscriber, sender Sender, spacer *throttle.Spacer) *Router {
	r := &Router{
		agg:      agg,
		scenario: scenario,
		bus:      b,
		sender:   sender,
		spacer:   spacer,
	}

	r.bind(protocol.KindTerminalOutput, r.handleOutput)
	r.bind(protocol.KindAttackStatus, r.handleAttackStatus)
	r.bind(protocol.KindScenarioStatus, r.handleScenarioStatus)
	r.bind(protocol.KindScenarioStarted, r.handleScenarioStarted)
	r.bind(protocol.KindError, r.handleError)
	r.subs = append(r.subs, b.On(bus.TopicConnected, func(any) { r.subscribe() }))

	agg.OnCompletion(r.completed)
	return r
}

// bind registers fn for kind messages correlated with the scenario, and for
// messages of that kind that carry no scenario id at all
func (r *Router) bind(kind protocol.Kind, fn func(protocol.Message)) {
	key := bus.RouteKey{Type: kind.String(), ID: r.scenario.ID}
	r.subs = append(r.subs,
		r.bus.On(key.String(), func(data any) {
			if msg, ok := data.(protocol.Message); ok {
				fn(msg)
			}
		}),
		r.bus.On(kind.String(), func(data any) {
			if msg, ok := data.(protocol.Message); ok && msg.ScenarioID == "" {
				fn(msg)
			}
		}),
	)
}

// OnComplete registers fn for every execution this router sees finish
func (r *Router) OnComplete(fn CompletionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDone = append(r.onDone, fn)
}

func (r *Router) completed(c Completion) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	listeners := append([]CompletionListener(nil), r.onDone...)
	r.mu.Unlock()

	for _, fn := range listeners {
		callSafely("completion callback", func() { fn(c) })
	}
}

// subscribe announces interest in the scenario and asks for its current
// status, spaced so reconnect storms do not flood the backend
func (r *Router) subscribe() {
	if r.sender == nil {
		return
	}
	if err := r.sender.Send(protocol.SubscribeScenario(r.scenario.ID)); err != nil {
		log.Error("Failed to subscribe to %s: %v", r.scenario.ID, err)
		return
	}
	query := func() {
		if err := r.sender.Send(protocol.GetScenarioStatus(r.scenario.ID, time.Now())); err != nil {
			log.Warn("Failed to query status of %s: %v", r.scenario.ID, err)
		}
	}
	if r.spacer == nil {
		query()
		return
	}
	if delay := r.spacer.Do("status:"+r.scenario.ID, query); delay > 0 {
		log.DebugH2("Status query for %s delayed by %s", r.scenario.ID, delay)
	}
}

func (r *Router) handleOutput(msg protocol.Message) {
	line := classify.Classify(msg, r.scenario.ID)
	if line.Content == "" {
		return
	}
	r.agg.AppendOutput(line.Content, line.Severity, line.AttackID)
}

func (r *Router) handleAttackStatus(msg protocol.Message) {
	id := msg.AttackID
	if id == "" {
		id = msg.TabID
	}
	r.applyStatus(id, msg.Status, msg.Error)
}

func (r *Router) applyStatus(id, rawStatus, reason string) {
	attackID := classify.Target(id, r.scenario.ID)
	if attackID == "" {
		log.DebugH2("Attack status without attack id for %s", r.scenario.ID)
		return
	}
	status, ok := types.ParseAttackStatus(rawStatus)
	if !ok {
		log.DebugH2("Unknown attack status %q for %s", rawStatus, attackID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := r.agg.HandleAttackStatus(ctx, r.scenario, AttackUpdate{
		AttackID: attackID,
		Status:   status,
		Error:    reason,
	}); err != nil {
		log.Warn("Failed to apply status of %s: %v", attackID, err)
	}
}

// handleScenarioStatus applies the per-attack statuses a status reply carries
func (r *Router) handleScenarioStatus(msg protocol.Message) {
	attacks := msg.Get("attacks")
	if !attacks.IsArray() {
		attacks = msg.Get("data.attacks")
	}
	attacks.ForEach(func(_, at gjson.Result) bool {
		id := firstString(at, "attackId", "id", "tabId", "terminalId")
		r.applyStatus(id, firstString(at, "status", "state"), firstString(at, "error", "message"))
		return true
	})

	status, ok := types.ParseAttackStatus(msg.Status)
	if !ok || !status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := r.agg.CheckExecutionCompletion(ctx, r.scenario); err != nil {
		log.Warn("Completion check for %s failed: %v", r.scenario.ID, err)
	}
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if f := v.Get(p); f.Exists() && strings.TrimSpace(f.String()) != "" {
			return f.String()
		}
	}
	return ""
}

// handleScenarioStarted opens a new run unless an execution is already
// active. With history enabled the run gets an execution record.
func (r *Router) handleScenarioStarted(msg protocol.Message) {
	r.agg.AppendOutput("🚀 Scenario "+r.scenario.ID+" started", types.SeverityInfo, "")
	if r.agg.ExecutionID() != "" {
		return
	}

	if r.agg.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		_, err := r.agg.StartExecution(ctx, r.scenario)
		if err == nil {
			return
		}
		log.Warn("Failed to record execution of %s: %v", r.scenario.ID, err)
	}
	r.agg.BeginRun(r.scenario)
}

// handleError shows backend error messages. Transport errors share the topic
// but are not protocol messages and are skipped by bind.
func (r *Router) handleError(msg protocol.Message) {
	text := msg.Error
	if text == "" {
		text = classify.ExtractContent(msg.Raw)
	}
	if text == "" {
		return
	}
	r.agg.AppendOutput(text, types.SeverityError, classify.Target(msg.AttackID, r.scenario.ID))
}

// Close deregisters every handler. Safe to call repeatedly.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		r.bus.Off(sub)
	}
	if r.sender != nil {
		if err := r.sender.Send(protocol.UnsubscribeScenario(r.scenario.ID)); err != nil {
			log.DebugH2("Failed to unsubscribe from %s: %v", r.scenario.ID, err)
		}
	}
}
