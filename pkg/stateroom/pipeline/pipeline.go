package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/federation"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/notify"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/observability"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/resolve"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/state"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

const (
	defaultShards        = 4
	defaultMaxRetries    = 5
	defaultRetryInterval = time.Second
	shardQueueSize       = 1024
)

// Config carries the pipeline's collaborators and tuning knobs. Zero
// values get production defaults; tests shrink RetryInterval.
type Config struct {
	// ServerName is this homeserver's domain, used to decide which
	// events are locally originated and to exclude ourselves from
	// federation fan-out.
	ServerName string

	// Shards is the number of consumer goroutines. Events for the
	// same room always land on the same shard.
	Shards int

	// MaxRetries bounds dependency fetch attempts before rejection.
	MaxRetries int

	// RetryInterval is the base dependency backoff; attempt n waits
	// n times this interval.
	RetryInterval time.Duration

	// Fetcher pulls missing dependency events from remote servers.
	// Nil disables remote backfill; waiting events still retry
	// against the local store.
	Fetcher federation.EventFetcher

	// Sender fans accepted events out to resident servers. Nil means
	// no federation sending.
	Sender federation.Sender

	// Sink receives client notifications for completed events. Nil
	// means no notifications.
	Sink notify.Sink

	// OnTransition, when set, observes every stage transition. Used
	// by tests to watch an event move through the machine.
	OnTransition func(eventID string, from, to Stage)

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Pipeline is the staged event processor. Submit with AddEventToQueue
// or AddPdu; events progress asynchronously on sharded consumers.
type Pipeline struct {
	cfg       Config
	adapter   store.Adapter
	persister *state.Persister
	checker   auth.Checker

	sched   *scheduler
	missing *missingFetcher

	mu    sync.Mutex
	arena map[string]*TrackedEvent

	shards []chan *TrackedEvent
	wg     sync.WaitGroup
	bg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New builds a pipeline and starts its shard consumers.
func New(adapter store.Adapter, persister *state.Persister, checker auth.Checker, cfg Config) *Pipeline {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		adapter:   adapter,
		persister: persister,
		checker:   checker,
		sched:     newScheduler(),
		arena:     make(map[string]*TrackedEvent),
		shards:    make([]chan *TrackedEvent, cfg.Shards),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.missing = newMissingFetcher(cfg.Fetcher, p.injectFetched, cfg.Logger)

	for i := range p.shards {
		p.shards[i] = make(chan *TrackedEvent, shardQueueSize)
		p.wg.Add(1)
		go p.consume(p.shards[i])
	}
	return p
}

// AddEventToQueue parses a raw federation event and submits it. The
// returned transaction id identifies this submission in logs.
func (p *Pipeline) AddEventToQueue(raw []byte) (string, error) {
	ev, err := pdu.ParseUntrusted(raw)
	if err != nil {
		return "", fmt.Errorf("parsing event: %w", err)
	}
	return p.AddPdu(ev)
}

// AddPdu submits an already-parsed event. Submitting an event that is
// currently in flight returns the existing transaction id.
func (p *Pipeline) AddPdu(ev *pdu.Pdu) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	if existing, ok := p.arena[ev.EventID]; ok {
		txn := existing.TxnID
		p.mu.Unlock()
		return txn, nil
	}
	te := &TrackedEvent{
		TxnID:    uuid.NewString(),
		Pdu:      ev,
		Stage:    StagePendingDependencies,
		enqueued: time.Now(),
	}
	p.arena[ev.EventID] = te
	p.mu.Unlock()

	observability.LogEventAccepted(p.cfg.Logger, ev.RoomID, ev.EventID)
	if !p.enqueue(te) {
		p.evict(te)
		return "", errors.New("pipeline closed")
	}
	return te.TxnID, nil
}

// Status reports the stage of an in-flight event. Events that reached
// a terminal stage have been evicted and report false.
func (p *Pipeline) Status(eventID string) (Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	te, ok := p.arena[eventID]
	if !ok {
		return 0, false
	}
	return te.Stage, true
}

// Close stops the consumers and pending retry timers. In-flight stage
// work finishes; parked events are abandoned.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.sched.Close()
		for _, ch := range p.shards {
			close(ch)
		}
		p.wg.Wait()
		p.bg.Wait()
	})
}

func (p *Pipeline) shardFor(roomID string) chan *TrackedEvent {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

func (p *Pipeline) enqueue(te *TrackedEvent) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.shardFor(te.Pdu.RoomID) <- te:
		return true
	}
}

// injectFetched feeds a backfilled dependency into the pipeline on
// its own merits.
func (p *Pipeline) injectFetched(ev *pdu.Pdu) {
	if _, err := p.AddPdu(ev); err != nil {
		observability.LogSwallowedFailure(p.cfg.Logger, "inject fetched event", ev.EventID, err)
	}
}

func (p *Pipeline) consume(ch <-chan *TrackedEvent) {
	defer p.wg.Done()
	for te := range ch {
		p.process(te)
	}
}

// process advances one event as far as it can go in a single pass.
// It returns when the event reaches a terminal stage or parks waiting
// on a dependency retry timer.
func (p *Pipeline) process(te *TrackedEvent) {
	ctx, span := p.cfg.Spans.StartEventSpan(p.ctx, te.Pdu.RoomID, te.Pdu.EventID)
	defer span.End()

	for {
		var (
			next   Stage
			parked bool
			err    error
		)
		start := time.Now()
		switch te.Stage {
		case StagePendingDependencies:
			next, parked, err = p.stageDependencies(ctx, te)
		case StagePendingAuthorization:
			next, err = p.stageAuthorization(ctx, te)
		case StagePendingStateResolution:
			next, err = p.stageStateResolution(ctx, te)
		case StagePendingPersistence:
			next, err = p.stagePersistence(ctx, te)
		case StagePendingFederation:
			next = p.stageFederation(ctx, te)
		case StagePendingNotification:
			next = p.stageNotification(ctx, te)
		default:
			p.finish(ctx, te)
			return
		}
		p.cfg.Metrics.RecordStage(ctx, te.Stage.String(), time.Since(start), err)

		if err != nil {
			p.reject(ctx, te, err)
			return
		}
		if parked {
			return
		}
		p.transition(te, next)
		if next == StageCompleted || next == StageRejected {
			p.finish(ctx, te)
			return
		}
	}
}

// transition takes p.mu for the stage write because Status reads
// te.Stage from other goroutines.
func (p *Pipeline) transition(te *TrackedEvent, next Stage) {
	p.mu.Lock()
	from := te.Stage
	te.Stage = next
	p.mu.Unlock()
	observability.LogStageTransition(p.cfg.Logger, te.Pdu.EventID, from.String(), next.String())
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(te.Pdu.EventID, from, next)
	}
}

// rekey moves an event to its version-correct id in the arena. The
// provisional id stops resolving after this.
func (p *Pipeline) rekey(te *TrackedEvent, id string) {
	p.mu.Lock()
	delete(p.arena, te.Pdu.EventID)
	p.arena[id] = te
	p.mu.Unlock()
}

func (p *Pipeline) reject(ctx context.Context, te *TrackedEvent, cause error) {
	te.Err = &RejectionError{
		EventID: te.Pdu.EventID,
		Stage:   te.Stage,
		Err:     cause,
	}
	p.transition(te, StageRejected)
	p.finish(ctx, te)
}

func (p *Pipeline) finish(ctx context.Context, te *TrackedEvent) {
	elapsed := time.Since(te.enqueued)
	accepted := te.Stage == StageCompleted
	p.cfg.Metrics.RecordEventOutcome(ctx, accepted, elapsed)
	if accepted {
		observability.LogEventCompleted(p.cfg.Logger, te.Pdu.EventID,
			float64(elapsed.Milliseconds()), te.RetryCount)
	} else {
		reason := "unknown"
		if te.Err != nil {
			reason = te.Err.Error()
		}
		observability.LogEventRejected(p.cfg.Logger, te.Pdu.EventID, te.Stage.String(), reason)
	}
	p.evict(te)
}

func (p *Pipeline) evict(te *TrackedEvent) {
	p.mu.Lock()
	delete(p.arena, te.Pdu.EventID)
	p.mu.Unlock()
}

// stageDependencies verifies that every referenced auth and prev
// event is locally known. Missing ids trigger a background remote
// fetch and a timer-based re-enqueue with linear backoff; the retry
// budget caps how long a hole can stall an event.
func (p *Pipeline) stageDependencies(ctx context.Context, te *TrackedEvent) (Stage, bool, error) {
	refs := make([]string, 0, len(te.Pdu.AuthEvents)+len(te.Pdu.PrevEvents))
	refs = append(refs, te.Pdu.AuthEvents...)
	refs = append(refs, te.Pdu.PrevEvents...)
	if len(refs) == 0 {
		return StagePendingAuthorization, false, nil
	}

	missing, err := p.adapter.MissingEvents(ctx, refs)
	if err != nil {
		return 0, false, fmt.Errorf("probing dependencies: %w", err)
	}
	if len(missing) == 0 {
		te.Missing = nil
		return StagePendingAuthorization, false, nil
	}

	te.Missing = missing
	te.RetryCount++
	if te.RetryCount > p.cfg.MaxRetries {
		return 0, false, fmt.Errorf("missing dependencies after %d attempts: %v", p.cfg.MaxRetries, missing)
	}

	origin := pdu.Domain(te.Pdu.Sender)
	p.missing.Request(p.ctx, origin, missing)

	delay := p.cfg.RetryInterval * time.Duration(te.RetryCount)
	observability.LogDependencyRetry(p.cfg.Logger, te.Pdu.EventID, missing, te.RetryCount, delay.Milliseconds())
	if !p.sched.After(delay, func() {
		if !p.enqueue(te) {
			p.evict(te)
		}
	}) {
		return 0, false, errors.New("pipeline closed during dependency wait")
	}
	return te.Stage, true, nil
}

// stageAuthorization checks the event against the auth state its own
// auth_events reference. A failure here is final; authorization is
// never retried.
func (p *Pipeline) stageAuthorization(ctx context.Context, te *TrackedEvent) (Stage, error) {
	authState, err := p.authStateOf(ctx, te.Pdu)
	if err != nil {
		return 0, fmt.Errorf("loading auth events: %w", err)
	}
	ok, err := p.checker.Allowed(te.Pdu, authState)
	if err != nil {
		return 0, fmt.Errorf("authorization: %w", err)
	}
	if !ok {
		return 0, errors.New("rejected by authorization rules")
	}
	return StagePendingStateResolution, nil
}

func (p *Pipeline) authStateOf(ctx context.Context, ev *pdu.Pdu) (pdu.StateMap, error) {
	authState := make(pdu.StateMap, len(ev.AuthEvents))
	if len(ev.AuthEvents) == 0 {
		return authState, nil
	}
	events, err := p.adapter.GetEvents(ctx, ev.AuthEvents)
	if err != nil {
		return nil, err
	}
	for _, ae := range events {
		if ae.IsState() {
			authState[ae.Key()] = ae
		}
	}
	return authState, nil
}

// stageStateResolution settles the event against the room's state.
// The room version becomes known here, so a provisional event id
// assigned at parse time is replaced with the version-correct
// derivation first; a wire-supplied id is checked against it instead.
func (p *Pipeline) stageStateResolution(ctx context.Context, te *TrackedEvent) (Stage, error) {
	ev := te.Pdu
	version, err := p.versionOf(ctx, ev)
	if err != nil {
		return 0, err
	}
	if version.UsesWireEventID() {
		if ev.ProvisionalEventID() {
			return 0, fmt.Errorf("room version %s requires an event_id on the wire", version)
		}
	} else {
		derived, err := ev.DeriveEventID(version)
		if err != nil {
			return 0, fmt.Errorf("deriving event id: %w", err)
		}
		if derived != ev.EventID {
			if !ev.ProvisionalEventID() {
				return 0, fmt.Errorf("event id %s does not match derived %s", ev.EventID, derived)
			}
			p.rekey(te, derived)
		}
		ev.ConfirmEventID(derived)
	}

	if ev.IsState() {
		err = p.persister.PersistStateEvent(ctx, ev)
	} else {
		err = p.persister.PersistTimelineEvent(ctx, ev)
	}
	switch {
	case err == nil:
		return StagePendingPersistence, nil
	case isInvariant(err):
		p.cfg.Logger.Error("state resolution invariant violated",
			slog.String("room_id", ev.RoomID),
			slog.String("event_id", ev.EventID),
			slog.String("error", err.Error()))
		return 0, err
	default:
		return 0, err
	}
}

func (p *Pipeline) versionOf(ctx context.Context, ev *pdu.Pdu) (pdu.Version, error) {
	if ev.IsCreate() {
		return pdu.VersionOf(ev)
	}
	return p.persister.RoomVersion(ctx, ev.RoomID)
}

func isInvariant(err error) bool {
	var ie *resolve.InvariantError
	return errors.As(err, &ie)
}

// stagePersistence confirms the event landed in durable storage. The
// heavy lifting already happened under the room lock in the previous
// stage; this is a read-back guard.
func (p *Pipeline) stagePersistence(ctx context.Context, te *TrackedEvent) (Stage, error) {
	rec, err := p.adapter.GetEvent(ctx, te.Pdu.EventID)
	if err != nil {
		return 0, fmt.Errorf("reading back persisted event: %w", err)
	}
	if rec.SoftFailed {
		p.cfg.Logger.Info("event persisted soft-failed",
			slog.String("room_id", te.Pdu.RoomID),
			slog.String("event_id", te.Pdu.EventID))
	}
	return StagePendingFederation, nil
}

// stageFederation fans the event out to every other resident server.
// Sending is fire and forget; a transport failure never affects the
// event's outcome.
func (p *Pipeline) stageFederation(ctx context.Context, te *TrackedEvent) Stage {
	if p.cfg.Sender == nil {
		return StagePendingNotification
	}
	ev := te.Pdu
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				observability.LogSwallowedFailure(p.cfg.Logger, "federation send",
					ev.EventID, fmt.Errorf("panic: %v", r))
			}
		}()
		roomState, err := p.persister.FullRoomState(p.ctx, ev.RoomID)
		if err != nil {
			observability.LogSwallowedFailure(p.cfg.Logger, "federation state lookup", ev.EventID, err)
			return
		}
		servers := federation.ResidentServers(roomState, p.cfg.ServerName)
		if len(servers) == 0 {
			return
		}
		if err := p.cfg.Sender.Send(p.ctx, servers, ev); err != nil {
			observability.LogSwallowedFailure(p.cfg.Logger, "federation send", ev.EventID, err)
		}
	}()
	return StagePendingNotification
}

// stageNotification classifies the event for local clients and emits
// it on the sink. Unknown event types are skipped, not failed.
func (p *Pipeline) stageNotification(ctx context.Context, te *TrackedEvent) Stage {
	if p.cfg.Sink == nil {
		return StageCompleted
	}
	ev := te.Pdu
	prevState, err := p.persister.StateBeforeEvent(ctx, ev.EventID)
	if err != nil {
		observability.LogSwallowedFailure(p.cfg.Logger, "notification state lookup", ev.EventID, err)
		return StageCompleted
	}
	n, ok := notify.FromPdu(ev, prevState)
	if !ok {
		p.cfg.Logger.Debug("no notification for event type",
			slog.String("event_id", ev.EventID),
			slog.String("type", ev.Type))
		return StageCompleted
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if err := p.cfg.Sink.Emit(p.ctx, n); err != nil {
			observability.LogSwallowedFailure(p.cfg.Logger, "notification emit", ev.EventID, err)
		}
	}()
	return StageCompleted
}
