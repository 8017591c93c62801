// Package engine implements the coordination core: agent lifecycle, the
// relationship graph, the negotiation state machine, metric aggregation,
// and the cache/broadcast plumbing around each mutation. Every mutating
// operation writes the entity change and its event in one transaction,
// then evicts cache keys and publishes a notification after commit.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"agentnet/internal/broadcast"
	"agentnet/internal/cache"
	"agentnet/internal/config"
	"agentnet/internal/domain"
	"agentnet/internal/events"
	"agentnet/internal/policy"
	"agentnet/internal/repo"
)

// Fallbacks used when the config omits a value.
const (
	defaultMaxCounterRounds = 3
	defaultDecideTimeout    = 30 * time.Second
	defaultStrength         = 0.5
	defaultStrengthStep     = 0.1
)

type Coordinator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Cache  *cache.Store
	Policy policy.Provider
	Bus    *broadcast.Bus
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Coordinator {
	c := Coordinator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	if cfg != nil {
		c.Cache = cache.New(cfg.Cache.MaxEntries, cfg.EntityTTL(), cfg.ListTTL())
		c.Bus = broadcast.NewBus(cfg.Broadcast.BufferSize)
		c.Policy = policy.RuleProvider{Stances: cfg.Negotiation.Stances}
	} else {
		c.Bus = broadcast.NewBus(0)
		c.Policy = policy.RuleProvider{}
	}
	return c
}

// Runtime holds the background halves of a started coordinator.
type Runtime struct {
	bus      *broadcast.Bus
	kafka    *broadcast.KafkaSink
	webhooks *broadcast.WebhookDispatcher
}

// Start launches the optional Kafka sink and webhook dispatcher. The
// returned Runtime must be stopped to release them and close the bus.
func (c Coordinator) Start() *Runtime {
	rt := &Runtime{bus: c.Bus}
	if c.Config == nil {
		return rt
	}
	if len(c.Config.Broadcast.Kafka.Brokers) > 0 {
		rt.kafka = broadcast.StartKafkaSink(c.Bus, c.Config.Broadcast.Kafka.Brokers, c.Config.Broadcast.Kafka.Topic)
	}
	rt.webhooks = broadcast.StartWebhookDispatcher(c.Repo, c.Config.Deployment.ID, c.Config.Webhooks)
	return rt
}

func (rt *Runtime) Stop() {
	if rt == nil {
		return
	}
	rt.webhooks.Stop()
	if rt.kafka != nil {
		rt.kafka.Stop()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Coordinator) ts() string {
	return c.now().UTC().Format(domain.TimeFormat)
}

func (c Coordinator) maxCounterRounds() int {
	if c.Config != nil && c.Config.Negotiation.MaxCounterRounds > 0 {
		return c.Config.Negotiation.MaxCounterRounds
	}
	return defaultMaxCounterRounds
}

func (c Coordinator) decideTimeout() time.Duration {
	if c.Config != nil && c.Config.Negotiation.DecideTimeoutSeconds > 0 {
		return c.Config.DecideTimeout()
	}
	return defaultDecideTimeout
}

func (c Coordinator) defaultStrength() float64 {
	if c.Config != nil && c.Config.Graph.DefaultStrength > 0 {
		return c.Config.Graph.DefaultStrength
	}
	return defaultStrength
}

func (c Coordinator) strengthStep() float64 {
	if c.Config != nil && c.Config.Graph.StrengthStep > 0 {
		return c.Config.Graph.StrengthStep
	}
	return defaultStrengthStep
}

func agentKey(id string) string { return "agent:" + id }

func relationshipsKey(agentID string) string { return "rels:" + agentID }

func clampStrength(v float64) float64 {
	if v < domain.StrengthMin {
		return domain.StrengthMin
	}
	if v > domain.StrengthMax {
		return domain.StrengthMax
	}
	return v
}

// publish marshals the entity snapshot and hands it to the bus. Failures
// are logged, never returned: the caller's mutation already committed.
func (c Coordinator) publish(topic, evtType, agentID string, entity any) {
	if c.Bus == nil {
		return
	}
	data, err := json.Marshal(entity)
	if err != nil {
		log.Printf("broadcast: marshal %s snapshot: %v", evtType, err)
		return
	}
	c.Bus.Publish(broadcast.Notification{
		Topic:   topic,
		Type:    evtType,
		AgentID: agentID,
		TS:      c.now().UTC(),
		Entity:  data,
	})
}

func validStatus(s string) bool {
	switch s {
	case domain.StatusIdle, domain.StatusWorking, domain.StatusActive,
		domain.StatusThinking, domain.StatusCommunicating, domain.StatusInactive:
		return true
	}
	return false
}

// --- agent registry ---

type AgentCreateOptions struct {
	Name             string
	Type             string
	Status           string
	StrategyJSON     string
	PerformanceScore float64
	CashFlow         float64
	IdempotencyKey   string
}

func (c Coordinator) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if opts.Name == "" {
		return domain.Agent{}, fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}
	if opts.Type == "" {
		return domain.Agent{}, fmt.Errorf("type is required: %w", domain.ErrInvalidArgument)
	}
	if opts.Status == "" {
		opts.Status = domain.StatusIdle
	}
	if !validStatus(opts.Status) {
		return domain.Agent{}, fmt.Errorf("unknown status %q: %w", opts.Status, domain.ErrInvalidArgument)
	}
	if opts.StrategyJSON != "" && !json.Valid([]byte(opts.StrategyJSON)) {
		return domain.Agent{}, fmt.Errorf("strategy must be valid JSON: %w", domain.ErrInvalidArgument)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	now := c.ts()
	if opts.IdempotencyKey != "" {
		existing, err := c.Repo.GetIdempotencyKey(ctx, tx, opts.IdempotencyKey)
		if err == nil {
			return domain.Agent{}, fmt.Errorf("idempotency key already used by agent %s: %w", existing, domain.ErrConflict)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, err
		}
	}

	a := domain.Agent{
		ID:               uuid.NewString(),
		Name:             opts.Name,
		Type:             opts.Type,
		Status:           opts.Status,
		StrategyJSON:     opts.StrategyJSON,
		PerformanceScore: opts.PerformanceScore,
		CashFlow:         opts.CashFlow,
		CreatedAt:        now,
	}
	if err := c.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if opts.IdempotencyKey != "" {
		if err := c.Repo.InsertIdempotencyKeyTx(ctx, tx, opts.IdempotencyKey, a.ID, now); err != nil {
			return domain.Agent{}, fmt.Errorf("insert idempotency key: %w", err)
		}
	}
	if err := c.Events.Append(ctx, tx, events.AgentCreated, a.ID, events.EventPayload{
		"name":   a.Name,
		"type":   a.Type,
		"status": a.Status,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}

	c.cacheAgent(a)
	c.Cache.PurgeLists("agents:")
	c.publish(broadcast.TopicAgentCreated, "agent_created", a.ID, a)
	return a, nil
}

func (c Coordinator) cacheAgent(a domain.Agent) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	c.Cache.SetEntity(agentKey(a.ID), data)
}

// GetAgent serves from the entity cache when possible and falls back to
// the durable store on a miss.
func (c Coordinator) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	if data, ok := c.Cache.GetEntity(agentKey(id)); ok {
		var a domain.Agent
		if err := json.Unmarshal(data, &a); err == nil {
			return a, nil
		}
		c.Cache.RemoveEntity(agentKey(id))
	}
	a, err := c.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	c.cacheAgent(a)
	return a, nil
}

func (c Coordinator) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	key := f.CacheKey()
	if data, ok := c.Cache.GetList(key); ok {
		var res []domain.Agent
		if err := json.Unmarshal(data, &res); err == nil {
			return res, nil
		}
	}
	res, err := c.Repo.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(res); err == nil {
		c.Cache.SetList(key, data)
	}
	return res, nil
}

// AgentUpdateOptions carries a partial update. Nil fields are left as-is.
type AgentUpdateOptions struct {
	Name             *string
	Status           *string
	StrategyJSON     *string
	PerformanceScore *float64
	CashFlow         *float64
}

func (c Coordinator) UpdateAgent(ctx context.Context, id string, opts AgentUpdateOptions) (domain.Agent, error) {
	if opts.Name != nil && *opts.Name == "" {
		return domain.Agent{}, fmt.Errorf("name must not be empty: %w", domain.ErrInvalidArgument)
	}
	if opts.Status != nil && !validStatus(*opts.Status) {
		return domain.Agent{}, fmt.Errorf("unknown status %q: %w", *opts.Status, domain.ErrInvalidArgument)
	}
	if opts.StrategyJSON != nil && *opts.StrategyJSON != "" && !json.Valid([]byte(*opts.StrategyJSON)) {
		return domain.Agent{}, fmt.Errorf("strategy must be valid JSON: %w", domain.ErrInvalidArgument)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err := c.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	changed := events.EventPayload{}
	if opts.Name != nil && *opts.Name != a.Name {
		a.Name = *opts.Name
		changed["name"] = a.Name
	}
	if opts.Status != nil && *opts.Status != a.Status {
		a.Status = *opts.Status
		changed["status"] = a.Status
	}
	if opts.StrategyJSON != nil && *opts.StrategyJSON != a.StrategyJSON {
		a.StrategyJSON = *opts.StrategyJSON
		changed["strategy"] = "updated"
	}
	if opts.PerformanceScore != nil && *opts.PerformanceScore != a.PerformanceScore {
		a.PerformanceScore = *opts.PerformanceScore
		changed["performance_score"] = a.PerformanceScore
	}
	if opts.CashFlow != nil && *opts.CashFlow != a.CashFlow {
		a.CashFlow = *opts.CashFlow
		changed["cash_flow"] = a.CashFlow
	}
	if len(changed) == 0 {
		return a, nil
	}
	if err := c.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := c.Events.Append(ctx, tx, events.AgentUpdated, a.ID, changed); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}

	c.cacheAgent(a)
	c.Cache.PurgeLists("agents:")
	c.publish(broadcast.TopicAgentUpdated, "agent_updated", a.ID, a)
	return a, nil
}

// DestroyAgent tombstones an agent. The row and its event history remain;
// the agent only disappears from live queries.
func (c Coordinator) DestroyAgent(ctx context.Context, id, reason string) (domain.Agent, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err := c.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	now := c.ts()
	if err := c.Repo.DestroyAgentTx(ctx, tx, id, now); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.StatusDestroyed
	a.DestroyedAt = &now
	payload := events.EventPayload{"name": a.Name}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := c.Events.Append(ctx, tx, events.AgentDestroyed, a.ID, payload); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}

	c.Cache.RemoveEntity(agentKey(id))
	c.Cache.PurgeLists("agents:")
	c.Cache.PurgeLists("rels:")
	c.publish(broadcast.TopicAgentRemoved, "agent_destroyed", a.ID, a)
	return a, nil
}

// --- relationship graph ---

// GetRelationships returns every edge touching the agent regardless of
// stored direction, with the counterpart denormalized.
func (c Coordinator) GetRelationships(ctx context.Context, agentID string) ([]domain.RelationshipView, error) {
	if _, err := c.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	key := relationshipsKey(agentID)
	if data, ok := c.Cache.GetList(key); ok {
		var res []domain.RelationshipView
		if err := json.Unmarshal(data, &res); err == nil {
			return res, nil
		}
	}
	res, err := c.Repo.ListRelationships(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(res); err == nil {
		c.Cache.SetList(key, data)
	}
	return res, nil
}

type ConnectionOptions struct {
	SourceAgentID string
	TargetAgentID string
	Type          string
	Strength      *float64
}

// CreateConnection creates or refreshes an explicit edge between two live
// agents.
func (c Coordinator) CreateConnection(ctx context.Context, opts ConnectionOptions) (domain.Relationship, error) {
	if opts.SourceAgentID == opts.TargetAgentID {
		return domain.Relationship{}, fmt.Errorf("self-relationship is not allowed: %w", domain.ErrInvalidArgument)
	}
	if opts.Type == "" {
		opts.Type = "connection"
	}
	strength := c.defaultStrength()
	if opts.Strength != nil {
		strength = *opts.Strength
		if strength < domain.StrengthMin || strength > domain.StrengthMax {
			return domain.Relationship{}, fmt.Errorf("strength %v out of range [%v,%v]: %w",
				strength, domain.StrengthMin, domain.StrengthMax, domain.ErrInvalidArgument)
		}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relationship{}, err
	}
	defer tx.Rollback()

	if _, err := c.Repo.GetAgentTx(ctx, tx, opts.SourceAgentID); err != nil {
		return domain.Relationship{}, fmt.Errorf("source agent: %w", err)
	}
	if _, err := c.Repo.GetAgentTx(ctx, tx, opts.TargetAgentID); err != nil {
		return domain.Relationship{}, fmt.Errorf("target agent: %w", err)
	}

	now := c.ts()
	rel := domain.Relationship{
		ID:            uuid.NewString(),
		SourceAgentID: opts.SourceAgentID,
		TargetAgentID: opts.TargetAgentID,
		Type:          opts.Type,
		Strength:      strength,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.Repo.UpsertRelationshipTx(ctx, tx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("upsert relationship: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.ConnectionCreated, rel.SourceAgentID, events.EventPayload{
		"target_agent_id": rel.TargetAgentID,
		"type":            rel.Type,
		"strength":        rel.Strength,
	}); err != nil {
		return domain.Relationship{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Relationship{}, err
	}

	c.Cache.PurgeLists("rels:")
	c.publish(broadcast.TopicAgentUpdated, "connection_created", rel.SourceAgentID, rel)
	return rel, nil
}

// --- negotiation state machine ---

type NegotiationOptions struct {
	InitiatorAgentID string
	TargetAgentID    string
	Type             string
	TermsJSON        string
}

// InitiateNegotiation creates a proposed negotiation and immediately
// evaluates the target's policy for the first response. A failing or slow
// policy provider abandons the negotiation instead of surfacing the error.
func (c Coordinator) InitiateNegotiation(ctx context.Context, opts NegotiationOptions) (domain.Negotiation, error) {
	if opts.InitiatorAgentID == opts.TargetAgentID {
		return domain.Negotiation{}, fmt.Errorf("agent cannot negotiate with itself: %w", domain.ErrInvalidArgument)
	}
	if opts.Type == "" {
		return domain.Negotiation{}, fmt.Errorf("negotiation type is required: %w", domain.ErrInvalidArgument)
	}
	if opts.TermsJSON == "" {
		opts.TermsJSON = "{}"
	}
	if !json.Valid([]byte(opts.TermsJSON)) {
		return domain.Negotiation{}, fmt.Errorf("terms must be valid JSON: %w", domain.ErrInvalidArgument)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Negotiation{}, err
	}
	defer tx.Rollback()

	if _, err := c.Repo.GetAgentTx(ctx, tx, opts.InitiatorAgentID); err != nil {
		return domain.Negotiation{}, fmt.Errorf("initiator agent: %w", err)
	}
	target, err := c.Repo.GetAgentTx(ctx, tx, opts.TargetAgentID)
	if err != nil {
		return domain.Negotiation{}, fmt.Errorf("target agent: %w", err)
	}

	now := c.ts()
	n := domain.Negotiation{
		ID:               uuid.NewString(),
		InitiatorAgentID: opts.InitiatorAgentID,
		TargetAgentID:    opts.TargetAgentID,
		Type:             opts.Type,
		TermsJSON:        opts.TermsJSON,
		Status:           domain.NegotiationProposed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.Repo.InsertNegotiationTx(ctx, tx, n); err != nil {
		return domain.Negotiation{}, fmt.Errorf("insert negotiation: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.NegotiationInitiated, n.InitiatorAgentID, events.EventPayload{
		"negotiation_id":  n.ID,
		"target_agent_id": n.TargetAgentID,
		"type":            n.Type,
		"terms":           json.RawMessage(n.TermsJSON),
	}); err != nil {
		return domain.Negotiation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Negotiation{}, err
	}
	c.publish(broadcast.TopicNegotiation, "negotiation_initiated", n.InitiatorAgentID, n)

	decision, err := c.decide(ctx, target, n)
	if err != nil {
		return c.abandonNegotiation(ctx, n.ID, fmt.Sprintf("policy provider: %v", err))
	}
	applied, err := c.applyDecision(ctx, n.ID, decision)
	if errors.Is(err, domain.ErrInvalidState) {
		// Someone else moved it first; their transition stands.
		return c.Repo.GetNegotiation(ctx, n.ID)
	}
	return applied, err
}

func (c Coordinator) GetNegotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	return c.Repo.GetNegotiation(ctx, id)
}

// DecisionSignal is an explicit accept/reject/counter instruction for a
// pending negotiation.
type DecisionSignal struct {
	Action           string
	CounterTermsJSON string
}

func (c Coordinator) DecideNegotiation(ctx context.Context, id string, sig DecisionSignal) (domain.Negotiation, error) {
	var d policy.Decision
	switch sig.Action {
	case string(policy.Accept):
		d = policy.Decision{Outcome: policy.Accept}
	case string(policy.Reject):
		d = policy.Decision{Outcome: policy.Reject}
	case string(policy.Counter):
		if sig.CounterTermsJSON == "" || !json.Valid([]byte(sig.CounterTermsJSON)) {
			return domain.Negotiation{}, fmt.Errorf("counter requires valid terms JSON: %w", domain.ErrInvalidArgument)
		}
		d = policy.Decision{Outcome: policy.Counter, CounterTermsJSON: sig.CounterTermsJSON}
	default:
		return domain.Negotiation{}, fmt.Errorf("unknown action %q: %w", sig.Action, domain.ErrInvalidArgument)
	}
	return c.applyDecision(ctx, id, d)
}

// DriveNegotiation repeatedly asks the pending party's policy for the next
// decision until the negotiation reaches a terminal state. The counter-round
// bound guarantees termination.
func (c Coordinator) DriveNegotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	limit := c.maxCounterRounds()*2 + 2
	for i := 0; i < limit; i++ {
		n, err := c.Repo.GetNegotiation(ctx, id)
		if err != nil {
			return domain.Negotiation{}, err
		}
		if !decidable(n.Status) {
			return n, nil
		}
		responder, err := c.Repo.GetAgent(ctx, c.responderID(n))
		if err != nil {
			return c.abandonNegotiation(ctx, id, fmt.Sprintf("responder unavailable: %v", err))
		}
		decision, err := c.decide(ctx, responder, n)
		if err != nil {
			return c.abandonNegotiation(ctx, id, fmt.Sprintf("policy provider: %v", err))
		}
		if _, err := c.applyDecision(ctx, id, decision); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			return domain.Negotiation{}, err
		}
	}
	return c.Repo.GetNegotiation(ctx, id)
}

func decidable(status string) bool {
	return status == domain.NegotiationProposed || status == domain.NegotiationCountered
}

// responderID names the party whose decision is pending: the target while
// proposed, then alternating with each counter round.
func (c Coordinator) responderID(n domain.Negotiation) string {
	if n.Status == domain.NegotiationProposed || n.Rounds%2 == 0 {
		return n.TargetAgentID
	}
	return n.InitiatorAgentID
}

// decide runs the policy provider under the configured timeout.
func (c Coordinator) decide(ctx context.Context, agent domain.Agent, n domain.Negotiation) (policy.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.decideTimeout())
	defer cancel()

	type result struct {
		d   policy.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.Policy.Decide(ctx, agent, n)
		ch <- result{d, err}
	}()
	select {
	case <-ctx.Done():
		return policy.Decision{}, ctx.Err()
	case r := <-ch:
		return r.d, r.err
	}
}

// applyDecision serializes one transition. The compare-and-swap in
// TransitionNegotiationTx makes the loser of a concurrent race observe
// the invalid-state error instead of overwriting the winner.
func (c Coordinator) applyDecision(ctx context.Context, id string, d policy.Decision) (domain.Negotiation, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Negotiation{}, err
	}
	defer tx.Rollback()

	n, err := c.Repo.GetNegotiationTx(ctx, tx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	if !decidable(n.Status) {
		return domain.Negotiation{}, fmt.Errorf("negotiation %s is %s: %w", n.ID, n.Status, domain.ErrInvalidState)
	}
	responder := c.responderID(n)
	from := n.Status
	now := c.ts()
	n.UpdatedAt = now

	var concluded bool
	switch d.Outcome {
	case policy.Accept:
		n.Status = domain.NegotiationAccepted
		if err := c.Repo.TransitionNegotiationTx(ctx, tx, n, from); err != nil {
			return domain.Negotiation{}, err
		}
		if err := c.Events.Append(ctx, tx, events.NegotiationAccepted, responder, events.EventPayload{
			"negotiation_id": n.ID,
			"terms":          json.RawMessage(n.TermsJSON),
		}); err != nil {
			return domain.Negotiation{}, err
		}
		if err := c.concludeTx(ctx, tx, &n, now); err != nil {
			return domain.Negotiation{}, err
		}
		concluded = true

	case policy.Reject:
		n.Status = domain.NegotiationRejected
		if err := c.Repo.TransitionNegotiationTx(ctx, tx, n, from); err != nil {
			return domain.Negotiation{}, err
		}
		if err := c.Events.Append(ctx, tx, events.NegotiationRejected, responder, events.EventPayload{
			"negotiation_id": n.ID,
		}); err != nil {
			return domain.Negotiation{}, err
		}

	case policy.Counter:
		n.Rounds++
		if n.Rounds > c.maxCounterRounds() {
			n.Status = domain.NegotiationAbandoned
			if err := c.Repo.TransitionNegotiationTx(ctx, tx, n, from); err != nil {
				return domain.Negotiation{}, err
			}
			if err := c.Events.Append(ctx, tx, events.NegotiationAbandoned, responder, events.EventPayload{
				"negotiation_id": n.ID,
				"reason":         "max counter rounds exceeded",
			}); err != nil {
				return domain.Negotiation{}, err
			}
		} else {
			n.Status = domain.NegotiationCountered
			n.TermsJSON = d.CounterTermsJSON
			if err := c.Repo.TransitionNegotiationTx(ctx, tx, n, from); err != nil {
				return domain.Negotiation{}, err
			}
			if err := c.Events.Append(ctx, tx, events.NegotiationCountered, responder, events.EventPayload{
				"negotiation_id": n.ID,
				"terms":          json.RawMessage(n.TermsJSON),
			}); err != nil {
				return domain.Negotiation{}, err
			}
		}

	default:
		return domain.Negotiation{}, fmt.Errorf("policy returned unknown outcome %q", d.Outcome)
	}

	if err := tx.Commit(); err != nil {
		return domain.Negotiation{}, err
	}

	if concluded {
		c.Cache.RemoveEntity(agentKey(n.InitiatorAgentID))
		c.Cache.RemoveEntity(agentKey(n.TargetAgentID))
		c.Cache.PurgeLists("agents:")
		c.Cache.PurgeLists("rels:")
		c.Cache.PurgeLists("metrics:")
	}
	c.publish(broadcast.TopicNegotiation, "negotiation_"+n.Status, n.InitiatorAgentID, n)
	return n, nil
}

// concludeTx moves an accepted negotiation to concluded and applies its
// side effects: relationship strength nudge, score and cash-flow updates,
// and a concluded event on each participant.
func (c Coordinator) concludeTx(ctx context.Context, tx *sql.Tx, n *domain.Negotiation, now string) error {
	resolution, err := json.Marshal(map[string]any{
		"accepted_terms": json.RawMessage(n.TermsJSON),
		"concluded_at":   now,
	})
	if err != nil {
		return err
	}
	res := string(resolution)
	n.Status = domain.NegotiationConcluded
	n.ResolutionJSON = &res
	if err := c.Repo.TransitionNegotiationTx(ctx, tx, *n, domain.NegotiationAccepted); err != nil {
		return err
	}

	step := c.strengthStep()
	rel, err := c.Repo.GetRelationshipBetweenTx(ctx, tx, n.InitiatorAgentID, n.TargetAgentID)
	switch {
	case err == nil:
		if err := c.Repo.UpdateRelationshipStrengthTx(ctx, tx, rel.ID, clampStrength(rel.Strength+step), now); err != nil {
			return err
		}
	case errors.Is(err, repo.ErrNotFound):
		rel = domain.Relationship{
			ID:            uuid.NewString(),
			SourceAgentID: n.InitiatorAgentID,
			TargetAgentID: n.TargetAgentID,
			Type:          n.Type,
			Strength:      clampStrength(c.defaultStrength() + step),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := c.Repo.UpsertRelationshipTx(ctx, tx, rel); err != nil {
			return err
		}
	default:
		return err
	}

	initiator, err := c.Repo.GetAgentTx(ctx, tx, n.InitiatorAgentID)
	if err != nil {
		return fmt.Errorf("initiator agent: %w", err)
	}
	target, err := c.Repo.GetAgentTx(ctx, tx, n.TargetAgentID)
	if err != nil {
		return fmt.Errorf("target agent: %w", err)
	}
	initiator.PerformanceScore++
	target.PerformanceScore++
	if value, ok := termsValue(n.TermsJSON); ok {
		initiator.CashFlow -= value
		target.CashFlow += value
	}
	if err := c.Repo.UpdateAgentTx(ctx, tx, initiator); err != nil {
		return err
	}
	if err := c.Repo.UpdateAgentTx(ctx, tx, target); err != nil {
		return err
	}
	if value, ok := termsValue(n.TermsJSON); ok {
		for _, agentID := range []string{n.InitiatorAgentID, n.TargetAgentID} {
			if err := c.Repo.InsertMetricSampleTx(ctx, tx, domain.MetricSample{
				AgentID:    agentID,
				MetricName: "negotiation_value",
				Value:      value,
				TS:         now,
			}); err != nil {
				return err
			}
		}
	}

	payload := events.EventPayload{
		"negotiation_id": n.ID,
		"resolution":     json.RawMessage(res),
	}
	if err := c.Events.Append(ctx, tx, events.NegotiationConcluded, n.InitiatorAgentID, payload); err != nil {
		return err
	}
	return c.Events.Append(ctx, tx, events.NegotiationConcluded, n.TargetAgentID, payload)
}

func termsValue(termsJSON string) (float64, bool) {
	var t struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(termsJSON), &t); err != nil || t.Value == nil {
		return 0, false
	}
	return *t.Value, true
}

// abandonNegotiation forces a pending negotiation to abandoned. Racing a
// concurrent transition is fine: whoever moved it first wins and the
// current state is returned.
func (c Coordinator) abandonNegotiation(ctx context.Context, id, reason string) (domain.Negotiation, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Negotiation{}, err
	}
	defer tx.Rollback()

	n, err := c.Repo.GetNegotiationTx(ctx, tx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	if !decidable(n.Status) {
		return n, nil
	}
	from := n.Status
	n.Status = domain.NegotiationAbandoned
	n.UpdatedAt = c.ts()
	if err := c.Repo.TransitionNegotiationTx(ctx, tx, n, from); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// The failed UPDATE still holds the write lock. Release it
			// before reading through the pool, or the read blocks on
			// our own transaction.
			tx.Rollback()
			return c.Repo.GetNegotiation(ctx, id)
		}
		return domain.Negotiation{}, err
	}
	if err := c.Events.Append(ctx, tx, events.NegotiationAbandoned, n.InitiatorAgentID, events.EventPayload{
		"negotiation_id": n.ID,
		"reason":         reason,
	}); err != nil {
		return domain.Negotiation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Negotiation{}, err
	}
	c.publish(broadcast.TopicNegotiation, "negotiation_abandoned", n.InitiatorAgentID, n)
	return n, nil
}

// --- event log ---

func (c Coordinator) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.SubjectAgentID != "" {
		if _, err := c.Repo.GetAgentAny(ctx, f.SubjectAgentID); err != nil {
			return nil, err
		}
	}
	var err error
	if f.FromTS, err = normalizeTS(f.FromTS); err != nil {
		return nil, err
	}
	if f.ToTS, err = normalizeTS(f.ToTS); err != nil {
		return nil, err
	}
	return c.Repo.ListEvents(ctx, f)
}

// normalizeTS reformats a caller-supplied timestamp to the stored layout
// so string comparison against the ts column stays chronological.
func normalizeTS(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q: %w", v, domain.ErrInvalidArgument)
	}
	return t.UTC().Format(domain.TimeFormat), nil
}

func (c Coordinator) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return c.Repo.EventsAfter(ctx, limit, cursor)
}

// --- metrics ---

func (c Coordinator) RecordMetric(ctx context.Context, agentID, metricName string, value float64) (domain.MetricSample, error) {
	if metricName == "" {
		return domain.MetricSample{}, fmt.Errorf("metric name is required: %w", domain.ErrInvalidArgument)
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MetricSample{}, err
	}
	defer tx.Rollback()

	if _, err := c.Repo.GetAgentTx(ctx, tx, agentID); err != nil {
		return domain.MetricSample{}, err
	}
	s := domain.MetricSample{
		AgentID:    agentID,
		MetricName: metricName,
		Value:      value,
		TS:         c.ts(),
	}
	if err := c.Repo.InsertMetricSampleTx(ctx, tx, s); err != nil {
		return domain.MetricSample{}, fmt.Errorf("insert metric sample: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.MetricRecorded, agentID, events.EventPayload{
		"metric_name": metricName,
		"value":       value,
	}); err != nil {
		return domain.MetricSample{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MetricSample{}, err
	}
	c.Cache.PurgeLists("metrics:" + agentID)
	return s, nil
}

// AggregateMetrics rolls samples up by metric name. Window values other
// than 7, 30, or 90 days fall back to the unfiltered all-time set.
func (c Coordinator) AggregateMetrics(ctx context.Context, agentID, metricName string, windowDays int) ([]domain.MetricAggregate, error) {
	if _, err := c.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	var sinceTS string
	switch windowDays {
	case 7, 30, 90:
		sinceTS = c.now().UTC().AddDate(0, 0, -windowDays).Format(domain.TimeFormat)
	}
	key := fmt.Sprintf("metrics:%s:%s:%d", agentID, metricName, windowDays)
	if data, ok := c.Cache.GetList(key); ok {
		var res []domain.MetricAggregate
		if err := json.Unmarshal(data, &res); err == nil {
			return res, nil
		}
	}
	res, err := c.Repo.AggregateMetrics(ctx, agentID, metricName, sinceTS)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(res); err == nil {
		c.Cache.SetList(key, data)
	}
	return res, nil
}

// --- api keys ---

// CreateAPIKey mints a key for an actor and returns the raw secret once.
// Only the hash is stored.
func (c Coordinator) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor is required: %w", domain.ErrInvalidArgument)
	}
	raw := "an_" + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: c.ts(),
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func (c Coordinator) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return c.Repo.ListAPIKeys(ctx, actorID)
}

func (c Coordinator) RevokeAPIKey(ctx context.Context, id string) error {
	return c.Repo.DeleteAPIKey(ctx, id)
}
