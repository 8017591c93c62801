// Package server exposes the coordination core over HTTP with an OpenAPI
// description, JWT/API-key authentication, and a uniform error envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentnet/internal/domain"
	"agentnet/internal/engine"
	"agentnet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Coordinator engine.Coordinator
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"negotiation is concluded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agentnet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Coordinator.Repo))
	hcfg := huma.DefaultConfig("Agentnet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg.Coordinator)
	registerRelationships(group, cfg.Coordinator)
	registerNegotiations(group, cfg.Coordinator)
	registerEvents(group, cfg.Coordinator)
	registerMetrics(group, cfg.Coordinator)
	registerAPIKeys(group, cfg.Coordinator)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the domain error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, open := openPaths[route]; open {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Agentnet API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           CreateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		strategy, err := encodeJSONMap(input.Body.Strategy)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		a, err := c.CreateAgent(ctx, engine.AgentCreateOptions{
			Name:             input.Body.Name,
			Type:             input.Body.Type,
			Status:           input.Body.Status,
			StrategyJSON:     strategy,
			PerformanceScore: input.Body.PerformanceScore,
			CashFlow:         input.Body.CashFlow,
			IdempotencyKey:   input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
		Offset int    `query:"offset"`
	}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := c.ListAgents(ctx, repo.AgentFilters{
			Type:   input.Type,
			Status: input.Status,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := c.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		opts := engine.AgentUpdateOptions{
			Name:             input.Body.Name,
			Status:           input.Body.Status,
			PerformanceScore: input.Body.PerformanceScore,
			CashFlow:         input.Body.CashFlow,
		}
		if input.Body.Strategy != nil {
			strategy, err := encodeJSONMap(*input.Body.Strategy)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.StrategyJSON = &strategy
		}
		a, err := c.UpdateAgent(ctx, input.AgentID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "destroy-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Destroy agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Reason  string `query:"reason"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := c.DestroyAgent(ctx, input.AgentID, input.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})
}

func registerRelationships(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent-relationships",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/relationships",
		Summary:     "List agent relationships",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []RelationshipViewResponse `json:"body"`
	}, error) {
		items, err := c.GetRelationships(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RelationshipViewResponse `json:"body"`
		}{Body: mapRelationshipViews(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-connection",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Create connection between two agents",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateConnectionRequest `json:"body"`
	}) (*struct {
		Body RelationshipResponse `json:"body"`
	}, error) {
		rel, err := c.CreateConnection(ctx, engine.ConnectionOptions{
			SourceAgentID: input.Body.SourceAgentID,
			TargetAgentID: input.Body.TargetAgentID,
			Type:          input.Body.Type,
			Strength:      input.Body.Strength,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RelationshipResponse `json:"body"`
		}{Body: relationshipResponse(rel)}, nil
	})
}

func registerNegotiations(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-negotiation",
		Method:        http.MethodPost,
		Path:          "/negotiations",
		Summary:       "Initiate negotiation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body InitiateNegotiationRequest `json:"body"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		terms, err := encodeJSONMap(input.Body.Terms)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		n, err := c.InitiateNegotiation(ctx, engine.NegotiationOptions{
			InitiatorAgentID: input.Body.InitiatorAgentID,
			TargetAgentID:    input.Body.TargetAgentID,
			Type:             input.Body.Type,
			TermsJSON:        terms,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-negotiation",
		Method:      http.MethodGet,
		Path:        "/negotiations/{negotiation_id}",
		Summary:     "Get negotiation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NegotiationID string `path:"negotiation_id"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		n, err := c.GetNegotiation(ctx, input.NegotiationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-negotiation",
		Method:      http.MethodPost,
		Path:        "/negotiations/{negotiation_id}/decision",
		Summary:     "Apply an explicit decision to a pending negotiation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		NegotiationID string                     `path:"negotiation_id"`
		Body          NegotiationDecisionRequest `json:"body"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		sig := engine.DecisionSignal{Action: input.Body.Action}
		if input.Body.CounterTerms != nil {
			terms, err := encodeJSONMap(input.Body.CounterTerms)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			sig.CounterTermsJSON = terms
		}
		n, err := c.DecideNegotiation(ctx, input.NegotiationID, sig)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-negotiation",
		Method:      http.MethodPost,
		Path:        "/negotiations/{negotiation_id}/run",
		Summary:     "Drive a pending negotiation to a terminal state via agent policies",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		NegotiationID string `path:"negotiation_id"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		n, err := c.DriveNegotiation(ctx, input.NegotiationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})
}

func registerEvents(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Query the event log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectAgentID string `query:"subject_agent_id"`
		Type           string `query:"type"`
		From           string `query:"from"`
		To             string `query:"to"`
		Limit          int    `query:"limit"`
		After          int64  `query:"after"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = c.EventsAfter(ctx, input.Limit, input.After)
		} else {
			items, err = c.ListEvents(ctx, repo.EventFilters{
				SubjectAgentID: input.SubjectAgentID,
				Type:           input.Type,
				FromTS:         input.From,
				ToTS:           input.To,
				Limit:          input.Limit,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-events",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/events",
		Summary:     "Event history of one agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Type    string `query:"type"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := c.ListEvents(ctx, repo.EventFilters{
			SubjectAgentID: input.AgentID,
			Type:           input.Type,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMetrics(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-metric",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/metrics",
		Summary:       "Record a metric sample",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    RecordMetricRequest `json:"body"`
	}) (*struct {
		Body MetricSampleResponse `json:"body"`
	}, error) {
		s, err := c.RecordMetric(ctx, input.AgentID, input.Body.MetricName, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MetricSampleResponse `json:"body"`
		}{Body: MetricSampleResponse{
			AgentID:    s.AgentID,
			MetricName: s.MetricName,
			Value:      s.Value,
			TS:         s.TS,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "aggregate-metrics",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/metrics",
		Summary:     "Aggregate metric samples over a window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID    string `path:"agent_id"`
		MetricName string `query:"metric"`
		WindowDays int    `query:"window_days"`
	}) (*struct {
		Body []MetricAggregateResponse `json:"body"`
	}, error) {
		items, err := c.AggregateMetrics(ctx, input.AgentID, input.MetricName, input.WindowDays)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MetricAggregateResponse `json:"body"`
		}{Body: mapAggregates(items)}, nil
	})
}

func registerAPIKeys(api huma.API, c engine.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID := input.Body.ActorID
		if actorID == "" {
			var herr huma.StatusError
			if actorID, herr = actorIDFromContext(ctx); herr != nil {
				return nil, herr
			}
		}
		key, raw, err := c.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := c.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, key := range keys {
			res = append(res, APIKeyResponse{
				ID:        key.ID,
				ActorID:   key.ActorID,
				Name:      key.Name,
				CreatedAt: key.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := c.RevokeAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
