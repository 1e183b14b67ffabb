// Package federation defines the outward-facing interfaces the state
// core uses to talk to other homeservers: fetching events it is
// missing and fanning out committed events to resident servers. The
// HTTP transport behind them lives outside the core.
package federation

import (
	"context"
	"log/slog"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// EventFetcher retrieves an event from its origin server. A nil Pdu
// with nil error means the origin does not have it either; errors are
// transport failures worth retrying.
type EventFetcher interface {
	GetEvent(ctx context.Context, origin, eventID string) (*pdu.Pdu, error)
}

// EventFetcherFunc adapts a function to EventFetcher.
type EventFetcherFunc func(ctx context.Context, origin, eventID string) (*pdu.Pdu, error)

// GetEvent implements EventFetcher.
func (f EventFetcherFunc) GetEvent(ctx context.Context, origin, eventID string) (*pdu.Pdu, error) {
	return f(ctx, origin, eventID)
}

// Sender fans a committed event out to the room's other resident
// servers. Delivery failure must never block local commit; callers
// log and swallow errors.
type Sender interface {
	Send(ctx context.Context, servers []string, ev *pdu.Pdu) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, servers []string, ev *pdu.Pdu) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, servers []string, ev *pdu.Pdu) error {
	return f(ctx, servers, ev)
}

// LogSender is the default Sender: it records the fan-out and
// delivers nothing. Single-server deployments and tests run with it.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, servers []string, ev *pdu.Pdu) error {
	if s.Logger != nil {
		s.Logger.Debug("federation fan-out skipped (no transport configured)",
			slog.String("event_id", ev.EventID),
			slog.Int("servers", len(servers)),
		)
	}
	return nil
}

// ResidentServers lists the servers with at least one joined user in
// the state map, excluding self. This is the fan-out target set.
func ResidentServers(state pdu.StateMap, self string) []string {
	seen := make(map[string]bool)
	var out []string
	for key, ev := range state {
		if key.Type() != pdu.TypeMember || ev.Membership() != pdu.MembershipJoin {
			continue
		}
		domain := pdu.Domain(key.StateKey())
		if domain == "" || domain == self || seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, domain)
	}
	return out
}
