package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentnet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the shared sentinel so callers can branch on either.
var ErrNotFound = domain.ErrNotFound

const agentColumns = `id,name,type,status,COALESCE(strategy_json,'') AS strategy_json,performance_score,cash_flow,created_at,destroyed_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var destroyedAt sql.NullString
	err := scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.StrategyJSON, &a.PerformanceScore, &a.CashFlow, &a.CreatedAt, &destroyedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if destroyedAt.Valid {
		a.DestroyedAt = &destroyedAt.String
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,name,type,status,strategy_json,performance_score,cash_flow,created_at,destroyed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Type, a.Status, nullable(a.StrategyJSON), a.PerformanceScore, a.CashFlow, a.CreatedAt, nullableStringPtr(a.DestroyedAt))
	return err
}

// GetAgent returns a live agent. Destroyed agents are reported as not found.
func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=? AND destroyed_at IS NULL`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=? AND destroyed_at IS NULL`, id)
	return scanAgent(row.Scan)
}

// GetAgentAny returns an agent regardless of destruction, for history views.
func (r Repo) GetAgentAny(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

type AgentFilters struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// CacheKey builds the composite key the list cache is stored under.
func (f AgentFilters) CacheKey() string {
	return fmt.Sprintf("agents:%s:%s:%d:%d", f.Type, f.Status, f.Limit, f.Offset)
}

// ListAgents returns live agents ordered by performance score descending,
// then creation time descending.
func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	clauses := []string{"destroyed_at IS NULL"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY performance_score DESC, created_at DESC`
	if f.Limit > 0 || f.Offset > 0 {
		// OFFSET needs a LIMIT clause; -1 means unbounded in SQLite.
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, type=?, status=?, strategy_json=?, performance_score=?, cash_flow=? WHERE id=? AND destroyed_at IS NULL`,
		a.Name, a.Type, a.Status, nullable(a.StrategyJSON), a.PerformanceScore, a.CashFlow, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DestroyAgentTx tombstones a live agent. Destroying an already-destroyed
// agent reports not found so caller bugs surface instead of no-op'ing.
func (r Repo) DestroyAgentTx(ctx context.Context, tx *sql.Tx, id, destroyedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=?, destroyed_at=? WHERE id=? AND destroyed_at IS NULL`,
		domain.StatusDestroyed, destroyedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- relationships ---

func (r Repo) UpsertRelationshipTx(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(id,source_agent_id,target_agent_id,type,strength,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(source_agent_id,target_agent_id,type) DO UPDATE SET strength=excluded.strength, updated_at=excluded.updated_at`,
		rel.ID, rel.SourceAgentID, rel.TargetAgentID, rel.Type, rel.Strength, rel.CreatedAt, rel.UpdatedAt)
	return err
}

// ListRelationships returns all edges where the agent is either endpoint,
// joined with the counterpart's name and type. Edges touching a destroyed
// agent are excluded, not errored on.
func (r Repo) ListRelationships(ctx context.Context, agentID string) ([]domain.RelationshipView, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT rel.id, rel.source_agent_id, rel.target_agent_id, rel.type, rel.strength, rel.created_at, rel.updated_at,
       peer.id, peer.name, peer.type
FROM relationships rel
JOIN agents peer ON peer.id = CASE WHEN rel.source_agent_id=? THEN rel.target_agent_id ELSE rel.source_agent_id END
JOIN agents self ON self.id = ?
WHERE (rel.source_agent_id=? OR rel.target_agent_id=?)
  AND peer.destroyed_at IS NULL
  AND self.destroyed_at IS NULL
ORDER BY rel.strength DESC, rel.updated_at DESC`,
		agentID, agentID, agentID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RelationshipView
	for rows.Next() {
		var v domain.RelationshipView
		if err := rows.Scan(&v.ID, &v.SourceAgentID, &v.TargetAgentID, &v.Type, &v.Strength, &v.CreatedAt, &v.UpdatedAt,
			&v.PeerAgentID, &v.PeerName, &v.PeerType); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// GetRelationshipBetweenTx finds an edge between two agents in either
// direction, strongest first when parallel edges exist.
func (r Repo) GetRelationshipBetweenTx(ctx context.Context, tx *sql.Tx, agentA, agentB string) (domain.Relationship, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id,source_agent_id,target_agent_id,type,strength,created_at,updated_at
FROM relationships
WHERE (source_agent_id=? AND target_agent_id=?) OR (source_agent_id=? AND target_agent_id=?)
ORDER BY strength DESC LIMIT 1`, agentA, agentB, agentB, agentA)
	var rel domain.Relationship
	err := row.Scan(&rel.ID, &rel.SourceAgentID, &rel.TargetAgentID, &rel.Type, &rel.Strength, &rel.CreatedAt, &rel.UpdatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	return rel, err
}

func (r Repo) UpdateRelationshipStrengthTx(ctx context.Context, tx *sql.Tx, id string, strength float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE relationships SET strength=?, updated_at=? WHERE id=?`, strength, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- negotiations ---

const negotiationColumns = `id,initiator_agent_id,target_agent_id,type,terms_json,status,rounds,resolution_json,created_at,updated_at`

func scanNegotiation(scan func(dest ...any) error) (domain.Negotiation, error) {
	var n domain.Negotiation
	var resolution sql.NullString
	err := scan(&n.ID, &n.InitiatorAgentID, &n.TargetAgentID, &n.Type, &n.TermsJSON, &n.Status, &n.Rounds, &resolution, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if resolution.Valid {
		n.ResolutionJSON = &resolution.String
	}
	return n, nil
}

func (r Repo) InsertNegotiationTx(ctx context.Context, tx *sql.Tx, n domain.Negotiation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO negotiations(id,initiator_agent_id,target_agent_id,type,terms_json,status,rounds,resolution_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.InitiatorAgentID, n.TargetAgentID, n.Type, n.TermsJSON, n.Status, n.Rounds, nullableStringPtr(n.ResolutionJSON), n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) GetNegotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id=?`, id)
	return scanNegotiation(row.Scan)
}

func (r Repo) GetNegotiationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Negotiation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id=?`, id)
	return scanNegotiation(row.Scan)
}

// TransitionNegotiationTx applies a compare-and-swap on the negotiation
// status. If another writer already moved it off fromStatus, zero rows match
// and the caller observes the invalid-state error instead of silently
// overwriting the winner's transition.
func (r Repo) TransitionNegotiationTx(ctx context.Context, tx *sql.Tx, n domain.Negotiation, fromStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE negotiations SET status=?, rounds=?, terms_json=?, resolution_json=?, updated_at=? WHERE id=? AND status=?`,
		n.Status, n.Rounds, n.TermsJSON, nullableStringPtr(n.ResolutionJSON), n.UpdatedAt, n.ID, fromStatus)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("negotiation %s no longer %s: %w", n.ID, fromStatus, domain.ErrInvalidState)
	}
	return nil
}

// --- events ---

type EventFilters struct {
	SubjectAgentID string
	Type           string
	FromTS         string
	ToTS           string
	Limit          int
}

// ListEvents returns events ordered by timestamp ascending. Pure read.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SubjectAgentID != "" {
		clauses = append(clauses, "subject_agent_id=?")
		args = append(args, f.SubjectAgentID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.FromTS != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.FromTS)
	}
	if f.ToTS != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.ToTS)
	}
	query := `SELECT id,ts,type,subject_agent_id,actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ts ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SubjectAgentID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,subject_agent_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SubjectAgentID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- metric samples ---

func (r Repo) InsertMetricSampleTx(ctx context.Context, tx *sql.Tx, s domain.MetricSample) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO metric_samples(agent_id,metric_name,value,ts) VALUES (?,?,?,?)`,
		s.AgentID, s.MetricName, s.Value, s.TS)
	return err
}

// AggregateMetrics groups samples by metric name and computes avg/min/max/count.
// An empty sinceTS aggregates the unfiltered all-time set.
func (r Repo) AggregateMetrics(ctx context.Context, agentID, metricName, sinceTS string) ([]domain.MetricAggregate, error) {
	clauses := []string{"agent_id=?"}
	args := []any{agentID}
	if metricName != "" {
		clauses = append(clauses, "metric_name=?")
		args = append(args, metricName)
	}
	if sinceTS != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, sinceTS)
	}
	query := `SELECT metric_name, AVG(value), MIN(value), MAX(value), COUNT(*) FROM metric_samples WHERE ` +
		strings.Join(clauses, " AND ") + ` GROUP BY metric_name ORDER BY metric_name ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetricAggregate
	for rows.Next() {
		var m domain.MetricAggregate
		if err := rows.Scan(&m.MetricName, &m.Average, &m.Min, &m.Max, &m.Count); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- idempotency keys ---

// GetIdempotencyKey returns the agent a key was already consumed by, if any.
func (r Repo) GetIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var agentID string
	err := tx.QueryRowContext(ctx, `SELECT agent_id FROM idempotency_keys WHERE key=?`, key).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return agentID, err
}

func (r Repo) InsertIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key, agentID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(key,agent_id,created_at) VALUES (?,?,?)`, key, agentID, createdAt)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
