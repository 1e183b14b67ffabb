// Package pipeline drives a raw incoming event through the staged
// processing state machine: dependency fetch, authorization, state
// resolution, persistence, federation fan-out, and notification.
//
// The pipeline is sharded by room id: one consumer goroutine per
// shard drains each item to full completion before advancing, which
// gives intra-room ordering (and makes the persistence engine's
// snapshot reads safe) while separate rooms proceed in parallel.
// Dependency waits never block a consumer; they are timer-based
// re-enqueues with linear backoff.
package pipeline

import (
	"fmt"
	"time"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// Stage is an event's position in the processing state machine.
// Transitions are one-directional except the dependency retry loop;
// StageRejected is terminal.
type Stage int

const (
	StagePendingDependencies Stage = iota
	StagePendingAuthorization
	StagePendingStateResolution
	StagePendingPersistence
	StagePendingFederation
	StagePendingNotification
	StageCompleted
	StageRejected
)

// String returns the stage name used in logs and transition metadata.
func (s Stage) String() string {
	switch s {
	case StagePendingDependencies:
		return "pending_dependencies"
	case StagePendingAuthorization:
		return "pending_authorization"
	case StagePendingStateResolution:
		return "pending_state_resolution"
	case StagePendingPersistence:
		return "pending_persistence"
	case StagePendingFederation:
		return "pending_federation"
	case StagePendingNotification:
		return "pending_notification"
	case StageCompleted:
		return "completed"
	case StageRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TrackedEvent is the pipeline's ephemeral record of one in-flight
// event. It is owned by the pipeline arena for exactly the event's
// in-flight lifetime and discarded on either terminal stage.
type TrackedEvent struct {
	// TxnID identifies this submission; a rejected event re-submitted
	// later gets a fresh one.
	TxnID string

	Pdu   *pdu.Pdu
	Stage Stage

	// RetryCount counts dependency-fetch attempts.
	RetryCount int

	// Missing holds the dependency ids from the last probe.
	Missing []string

	// Err holds the rejection cause once Stage is StageRejected.
	Err error

	enqueued time.Time
}

// RejectionError is the terminal error attached to a rejected event.
// The reason survives in logs; the event itself is evicted and never
// replayed without an external re-submission.
type RejectionError struct {
	EventID string
	Stage   Stage
	Err     error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("event %s rejected at %s: %v", e.EventID, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RejectionError) Unwrap() error { return e.Err }
