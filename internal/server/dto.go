package server

import (
	"encoding/json"

	"agentnet/internal/domain"
)

// Request payloads

type CreateAgentRequest struct {
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	Status           string         `json:"status,omitempty" enum:"idle,working,active,thinking,communicating,inactive"`
	Strategy         map[string]any `json:"strategy,omitempty"`
	PerformanceScore float64        `json:"performance_score,omitempty"`
	CashFlow         float64        `json:"cash_flow,omitempty"`
}

type UpdateAgentRequest struct {
	Name             *string         `json:"name,omitempty"`
	Status           *string         `json:"status,omitempty" enum:"idle,working,active,thinking,communicating,inactive"`
	Strategy         *map[string]any `json:"strategy,omitempty"`
	PerformanceScore *float64        `json:"performance_score,omitempty"`
	CashFlow         *float64        `json:"cash_flow,omitempty"`
}

type CreateConnectionRequest struct {
	SourceAgentID string   `json:"source_agent_id"`
	TargetAgentID string   `json:"target_agent_id"`
	Type          string   `json:"type,omitempty"`
	Strength      *float64 `json:"strength,omitempty"`
}

type InitiateNegotiationRequest struct {
	InitiatorAgentID string         `json:"initiator_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	Type             string         `json:"type"`
	Terms            map[string]any `json:"terms,omitempty"`
}

type NegotiationDecisionRequest struct {
	Action       string         `json:"action" enum:"accept,reject,counter"`
	CounterTerms map[string]any `json:"counter_terms,omitempty"`
}

type RecordMetricRequest struct {
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
}

// ActorID defaults to the authenticated principal when omitted.
type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type AgentResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	Strategy         json.RawMessage `json:"strategy,omitempty"`
	PerformanceScore float64         `json:"performance_score"`
	CashFlow         float64         `json:"cash_flow"`
	CreatedAt        string          `json:"created_at"`
	DestroyedAt      *string         `json:"destroyed_at,omitempty"`
}

type RelationshipResponse struct {
	ID            string  `json:"id"`
	SourceAgentID string  `json:"source_agent_id"`
	TargetAgentID string  `json:"target_agent_id"`
	Type          string  `json:"type"`
	Strength      float64 `json:"strength"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type RelationshipViewResponse struct {
	RelationshipResponse
	PeerAgentID string `json:"peer_agent_id"`
	PeerName    string `json:"peer_name"`
	PeerType    string `json:"peer_type"`
}

type NegotiationResponse struct {
	ID               string          `json:"id"`
	InitiatorAgentID string          `json:"initiator_agent_id"`
	TargetAgentID    string          `json:"target_agent_id"`
	Type             string          `json:"type"`
	Terms            json.RawMessage `json:"terms"`
	Status           string          `json:"status"`
	Rounds           int             `json:"rounds"`
	Resolution       json.RawMessage `json:"resolution,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

type EventResponse struct {
	ID             int64           `json:"id"`
	TS             string          `json:"ts"`
	Type           string          `json:"type"`
	SubjectAgentID string          `json:"subject_agent_id"`
	ActorID        string          `json:"actor_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type MetricSampleResponse struct {
	AgentID    string  `json:"agent_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
	TS         string  `json:"ts"`
}

type MetricAggregateResponse struct {
	MetricName string  `json:"metric_name"`
	Average    float64 `json:"average"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Count      int     `json:"count"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func rawOrNil(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:               a.ID,
		Name:             a.Name,
		Type:             a.Type,
		Status:           a.Status,
		Strategy:         rawOrNil(a.StrategyJSON),
		PerformanceScore: a.PerformanceScore,
		CashFlow:         a.CashFlow,
		CreatedAt:        a.CreatedAt,
		DestroyedAt:      a.DestroyedAt,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func relationshipResponse(rel domain.Relationship) RelationshipResponse {
	return RelationshipResponse{
		ID:            rel.ID,
		SourceAgentID: rel.SourceAgentID,
		TargetAgentID: rel.TargetAgentID,
		Type:          rel.Type,
		Strength:      rel.Strength,
		CreatedAt:     rel.CreatedAt,
		UpdatedAt:     rel.UpdatedAt,
	}
}

func mapRelationshipViews(items []domain.RelationshipView) []RelationshipViewResponse {
	res := make([]RelationshipViewResponse, 0, len(items))
	for _, v := range items {
		res = append(res, RelationshipViewResponse{
			RelationshipResponse: relationshipResponse(v.Relationship),
			PeerAgentID:          v.PeerAgentID,
			PeerName:             v.PeerName,
			PeerType:             v.PeerType,
		})
	}
	return res
}

func negotiationResponse(n domain.Negotiation) NegotiationResponse {
	res := NegotiationResponse{
		ID:               n.ID,
		InitiatorAgentID: n.InitiatorAgentID,
		TargetAgentID:    n.TargetAgentID,
		Type:             n.Type,
		Terms:            rawOrNil(n.TermsJSON),
		Status:           n.Status,
		Rounds:           n.Rounds,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}
	if n.ResolutionJSON != nil {
		res.Resolution = rawOrNil(*n.ResolutionJSON)
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := rawOrNil(e.Payload)
		if payload == nil {
			payload = json.RawMessage("{}")
		}
		res = append(res, EventResponse{
			ID:             e.ID,
			TS:             e.TS,
			Type:           e.Type,
			SubjectAgentID: e.SubjectAgentID,
			ActorID:        e.ActorID,
			Payload:        payload,
		})
	}
	return res
}

func mapAggregates(items []domain.MetricAggregate) []MetricAggregateResponse {
	res := make([]MetricAggregateResponse, 0, len(items))
	for _, m := range items {
		res = append(res, MetricAggregateResponse(m))
	}
	return res
}

func encodeJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
