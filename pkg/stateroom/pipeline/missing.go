package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/federation"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// missingFetcher fetches absent dependency events from remote servers
// and re-injects them into the pipeline. Each event id is fetched at
// most once concurrently; duplicate requests while a fetch is in
// flight are dropped, since the waiting event retries on its own
// timer regardless of who fills the gap.
type missingFetcher struct {
	fetch  federation.EventFetcher
	inject func(*pdu.Pdu)
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newMissingFetcher(fetch federation.EventFetcher, inject func(*pdu.Pdu), logger *slog.Logger) *missingFetcher {
	return &missingFetcher{
		fetch:    fetch,
		inject:   inject,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Request starts background fetches for the given event ids. The
// origin is the server the dependent event came from, which is the
// most likely holder of its ancestry.
func (m *missingFetcher) Request(ctx context.Context, origin string, eventIDs []string) {
	if m.fetch == nil {
		return
	}
	for _, id := range eventIDs {
		m.mu.Lock()
		if _, dup := m.inFlight[id]; dup {
			m.mu.Unlock()
			continue
		}
		m.inFlight[id] = struct{}{}
		m.mu.Unlock()

		go m.fetchOne(ctx, origin, id)
	}
}

func (m *missingFetcher) fetchOne(ctx context.Context, origin, eventID string) {
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, eventID)
		m.mu.Unlock()
	}()

	ev, err := m.fetch.GetEvent(ctx, origin, eventID)
	if err != nil {
		m.logger.Debug("missing event fetch failed",
			slog.String("event_id", eventID),
			slog.String("origin", origin),
			slog.String("error", err.Error()))
		return
	}
	if ev == nil {
		return
	}
	m.inject(ev)
}
