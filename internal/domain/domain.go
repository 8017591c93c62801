package domain

// Agent statuses. A destroyed agent keeps its row and history but is
// excluded from every live query.
const (
	StatusIdle          = "idle"
	StatusWorking       = "working"
	StatusActive        = "active"
	StatusThinking      = "thinking"
	StatusCommunicating = "communicating"
	StatusInactive      = "inactive"
	StatusDestroyed     = "destroyed"
)

// Negotiation statuses. Concluded and abandoned are terminal.
const (
	NegotiationProposed  = "proposed"
	NegotiationAccepted  = "accepted"
	NegotiationRejected  = "rejected"
	NegotiationCountered = "countered"
	NegotiationConcluded = "concluded"
	NegotiationAbandoned = "abandoned"
)

// Relationship strength bounds.
const (
	StrengthMin = 0.0
	StrengthMax = 1.0
)

// TimeFormat is the stored timestamp layout. The fraction is padded to a
// fixed nine digits so lexicographic order on TEXT columns matches
// chronological order; RFC3339Nano trims trailing zeros and does not.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Agent struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	Status           string  `json:"status" enum:"idle,working,active,thinking,communicating,inactive,destroyed"`
	StrategyJSON     string  `json:"strategy_json,omitempty"`
	PerformanceScore float64 `json:"performance_score"`
	CashFlow         float64 `json:"cash_flow"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	DestroyedAt      *string `json:"destroyed_at,omitempty" format:"date-time"`
}

// Live reports whether the agent has not been destroyed.
func (a Agent) Live() bool { return a.DestroyedAt == nil }

type Relationship struct {
	ID            string  `json:"id"`
	SourceAgentID string  `json:"source_agent_id"`
	TargetAgentID string  `json:"target_agent_id"`
	Type          string  `json:"type"`
	Strength      float64 `json:"strength"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// RelationshipView is a relationship joined with the counterpart agent's
// denormalized name and type, relative to the agent it was queried for.
type RelationshipView struct {
	Relationship
	PeerAgentID string `json:"peer_agent_id"`
	PeerName    string `json:"peer_name"`
	PeerType    string `json:"peer_type"`
}

type Negotiation struct {
	ID               string  `json:"id"`
	InitiatorAgentID string  `json:"initiator_agent_id"`
	TargetAgentID    string  `json:"target_agent_id"`
	Type             string  `json:"type"`
	TermsJSON        string  `json:"terms_json"`
	Status           string  `json:"status" enum:"proposed,accepted,rejected,countered,concluded,abandoned"`
	Rounds           int     `json:"rounds"`
	ResolutionJSON   *string `json:"resolution_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition is permitted.
func (n Negotiation) Terminal() bool {
	switch n.Status {
	case NegotiationRejected, NegotiationConcluded, NegotiationAbandoned:
		return true
	}
	return false
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	SubjectAgentID string `json:"subject_agent_id"`
	ActorID        string `json:"actor_id,omitempty"`
	Payload        string `json:"payload_json"`
}

type MetricSample struct {
	ID         int64   `json:"id"`
	AgentID    string  `json:"agent_id"`
	MetricName string  `json:"metric_name"`
	Value      float64 `json:"value"`
	TS         string  `json:"ts" format:"date-time"`
}

// MetricAggregate is the rolled-up view of one metric over a window.
type MetricAggregate struct {
	MetricName string  `json:"metric_name"`
	Average    float64 `json:"average"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Count      int     `json:"count"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
