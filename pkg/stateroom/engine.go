package stateroom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/config"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/federation"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/notify"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/observability"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pipeline"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/resolve"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/state"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

// Engine ties the subsystems together behind one facade: a storage
// adapter, the authorization checker, the resolver, the persistence
// engine, and the staged pipeline.
type Engine struct {
	settings config.Settings

	adapter   store.Adapter
	checker   auth.Checker
	resolver  *resolve.Resolver
	persister *state.Persister
	pipe      *pipeline.Pipeline
	sink      notify.Sink
	logger    *slog.Logger
}

// NewEngine builds an Engine from settings, applying options over the
// defaults. The returned engine is running; call Close when done.
func NewEngine(settings config.Settings, opts ...Option) (*Engine, error) {
	var cfg engineConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	adapter := cfg.adapter
	if adapter == nil {
		var err error
		adapter, err = openStore(settings)
		if err != nil {
			return nil, err
		}
	}

	checker := auth.Checker{Config: auth.Config{StrictCreate: settings.StrictCreateChecks}}
	resolver := resolve.New(checker, cfg.logger)

	fetch := storeFetcher{adapter: adapter, remote: cfg.fetcher}
	persister := state.New(adapter, resolver, fetch, state.Config{
		Checker: checker,
		Signer:  cfg.signer,
		Logger:  cfg.logger,
		Metrics: cfg.metrics,
	})

	sink := cfg.sink
	if sink == nil {
		sink = notify.NewLocalSink(notify.DefaultSinkConfig)
	}
	sender := cfg.sender
	if sender == nil {
		sender = &federation.LogSender{Logger: cfg.logger}
	}

	pipe := pipeline.New(adapter, persister, checker, pipeline.Config{
		ServerName:    settings.ServerName,
		Shards:        settings.Shards,
		MaxRetries:    settings.MaxRetries,
		RetryInterval: settings.RetryInterval,
		Fetcher:       cfg.fetcher,
		Sender:        sender,
		Sink:          sink,
		OnTransition:  cfg.onTransition,
		Logger:        cfg.logger,
		Metrics:       cfg.metrics,
		Spans:         cfg.spans,
	})

	return &Engine{
		settings:  settings,
		adapter:   adapter,
		checker:   checker,
		resolver:  resolver,
		persister: persister,
		pipe:      pipe,
		sink:      sink,
		logger:    cfg.logger,
	}, nil
}

func openStore(settings config.Settings) (store.Adapter, error) {
	switch settings.StoreBackend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(settings.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", settings.StoreBackend)
	}
}

// storeFetcher serves resolver fetches from local storage, falling
// back to the remote fetcher for events the store has never seen.
type storeFetcher struct {
	adapter store.Adapter
	remote  federation.EventFetcher
}

func (f storeFetcher) FetchEvent(ctx context.Context, eventID string) (*pdu.Pdu, error) {
	rec, err := f.adapter.GetEvent(ctx, eventID)
	if err == nil {
		return rec.Event, nil
	}
	if f.remote == nil {
		return nil, err
	}
	return f.remote.GetEvent(ctx, pdu.Domain(eventID), eventID)
}

// Submit parses a raw federation event and feeds it to the pipeline.
// It returns a transaction id; processing continues asynchronously.
func (e *Engine) Submit(raw []byte) (string, error) {
	return e.pipe.AddEventToQueue(raw)
}

// SubmitPdu feeds an already-parsed event to the pipeline.
func (e *Engine) SubmitPdu(ev *pdu.Pdu) (string, error) {
	return e.pipe.AddPdu(ev)
}

// Status reports the pipeline stage of an in-flight event.
func (e *Engine) Status(eventID string) (pipeline.Stage, bool) {
	return e.pipe.Status(eventID)
}

// AuthorizeEvent checks an event against the auth state referenced by
// its own auth_events, without persisting anything.
func (e *Engine) AuthorizeEvent(ctx context.Context, ev *pdu.Pdu) (bool, error) {
	authState := make(pdu.StateMap, len(ev.AuthEvents))
	if len(ev.AuthEvents) > 0 {
		events, err := e.adapter.GetEvents(ctx, ev.AuthEvents)
		if err != nil {
			return false, err
		}
		for _, ae := range events {
			if ae.IsState() {
				authState[ae.Key()] = ae
			}
		}
	}
	return e.checker.Allowed(ev, authState)
}

// PersistStateEvent persists a state event synchronously, bypassing
// the pipeline. Dependencies must already be stored.
func (e *Engine) PersistStateEvent(ctx context.Context, ev *pdu.Pdu) error {
	return e.persister.PersistStateEvent(ctx, ev)
}

// PersistTimelineEvent persists a timeline event synchronously,
// bypassing the pipeline.
func (e *Engine) PersistTimelineEvent(ctx context.Context, ev *pdu.Pdu) error {
	return e.persister.PersistTimelineEvent(ctx, ev)
}

// StateAtEvent returns the room state including the event's own
// contribution.
func (e *Engine) StateAtEvent(ctx context.Context, eventID string) (pdu.StateMap, error) {
	return e.persister.StateAtEvent(ctx, eventID)
}

// StateBeforeEvent returns the room state as it stood before the
// event was applied.
func (e *Engine) StateBeforeEvent(ctx context.Context, eventID string) (pdu.StateMap, error) {
	return e.persister.StateBeforeEvent(ctx, eventID)
}

// FullRoomState returns the room's current resolved state.
func (e *Engine) FullRoomState(ctx context.Context, roomID string) (pdu.StateMap, error) {
	return e.persister.FullRoomState(ctx, roomID)
}

// RoomVersion returns the room's version from its create event.
func (e *Engine) RoomVersion(ctx context.Context, roomID string) (pdu.Version, error) {
	return e.persister.RoomVersion(ctx, roomID)
}

// ResolveState runs state resolution over the given branch states.
func (e *Engine) ResolveState(ctx context.Context, states []pdu.StateMap) (pdu.StateMap, error) {
	return e.resolver.Resolve(ctx, states, storeFetcher{adapter: e.adapter})
}

// Sink exposes the notification sink, so callers using the default
// LocalSink can subscribe.
func (e *Engine) Sink() notify.Sink {
	return e.sink
}

// Close drains the pipeline and releases resources.
func (e *Engine) Close() error {
	e.pipe.Close()
	if ls, ok := e.sink.(*notify.LocalSink); ok {
		if err := ls.Close(); err != nil {
			observability.LogSwallowedFailure(e.logger, "sink close", "", err)
		}
	}
	return e.adapter.Close()
}
