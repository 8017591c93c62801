package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentnet/internal/domain"
)

// Event types appended by the coordinator. The event log is the only durable
// record of why a value changed; entity tables hold only current state.
const (
	AgentCreated   = "agent_created"
	AgentUpdated   = "agent_updated"
	AgentDestroyed = "agent_destroyed"

	ConnectionCreated = "connection_created"

	NegotiationInitiated = "negotiation_initiated"
	NegotiationAccepted  = "negotiation_accepted"
	NegotiationRejected  = "negotiation_rejected"
	NegotiationCountered = "negotiation_countered"
	NegotiationConcluded = "negotiation_concluded"
	NegotiationAbandoned = "negotiation_abandoned"

	MetricRecorded = "metric_recorded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type actorKey struct{}

// WithActor marks the context with the identity every event appended
// under it is attributed to. The HTTP middleware sets the authenticated
// principal; the CLI sets its --actor-id flag.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor the context is attributed to, if any.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Append writes one event row inside the caller's transaction. A failed
// append aborts the enclosing state change: the mutation and its event
// commit together or not at all.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, subjectAgentID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(domain.TimeFormat)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,subject_agent_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, subjectAgentID, ActorFrom(ctx), string(data))
	return err
}
