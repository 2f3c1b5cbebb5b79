package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness of the status API",
		Tags:        []string{"system"},
	}, func(context.Context, *struct{}) (*statusOutput, error) {
		out := &statusOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/api/v1/services",
		Summary:     "List service health records",
		Tags:        []string{"services"},
	}, s.handleListServices)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-service",
		Method:      http.MethodGet,
		Path:        "/api/v1/services/{name}",
		Summary:     "Get one service health record",
		Tags:        []string{"services"},
	}, s.handleGetService)

	huma.Register(s.api, huma.Operation{
		OperationID: "check-service",
		Method:      http.MethodPost,
		Path:        "/api/v1/services/{name}/check",
		Summary:     "Probe a service now",
		Tags:        []string{"services"},
	}, s.handleCheckService)

	huma.Register(s.api, huma.Operation{
		OperationID: "recover-service",
		Method:      http.MethodPost,
		Path:        "/api/v1/services/{name}/recover",
		Summary:     "Run a recovery action now",
		Tags:        []string{"recovery"},
	}, s.handleRecoverService)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-service",
		Method:      http.MethodPost,
		Path:        "/api/v1/services/{name}/reset",
		Summary:     "Reset recovery attempts",
		Tags:        []string{"recovery"},
	}, s.handleResetService)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Monitor statistics",
		Tags:        []string{"system"},
	}, s.handleStats)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/history",
		Summary:     "Recent recovery attempts, newest first",
		Tags:        []string{"recovery"},
	}, s.handleHistory)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/api/v1/rules",
		Summary:     "Recovery rules in evaluation order",
		Tags:        []string{"recovery"},
	}, s.handleRules)
}

// --- Request/Response types for huma ---

type statusOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type serviceNameInput struct {
	Name string `path:"name"`
}

type listServicesOutput struct {
	Body struct {
		Services []selfheal.ServiceHealth `json:"services"`
	}
}

type serviceOutput struct {
	Body selfheal.ServiceHealth
}

type recoverInput struct {
	Name   string `path:"name"`
	Action string `query:"action" required:"true" doc:"RESTART, RELOAD_CONFIG, CLEAR_CACHE, RESTORE_BACKUP or ESCALATE"`
}

type recoverOutput struct {
	Body struct {
		Service string          `json:"service"`
		Action  selfheal.Action `json:"action"`
		Success bool            `json:"success"`
	}
}

type statsOutput struct {
	Body selfheal.Stats
}

type historyInput struct {
	Limit int `query:"limit" default:"50" minimum:"0" doc:"Maximum events; 0 returns all"`
}

type historyOutput struct {
	Body struct {
		Events []selfheal.RecoveryEvent `json:"events"`
	}
}

// RuleView is the JSON form of a recovery rule.
type RuleView struct {
	ID          string          `json:"id"`
	ServiceName string          `json:"service"`
	Condition   string          `json:"condition"`
	Action      selfheal.Action `json:"action"`
	MaxAttempts int             `json:"max_attempts"`
	Cooldown    string          `json:"cooldown"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"enabled"`
	Custom      bool            `json:"custom_recoverer"`
}

type rulesOutput struct {
	Body struct {
		Rules []RuleView `json:"rules"`
	}
}

// --- Handlers ---

func (s *Server) handleListServices(_ context.Context, _ *struct{}) (*listServicesOutput, error) {
	out := &listServicesOutput{}
	out.Body.Services = s.monitor.GetAllServicesHealth()
	return out, nil
}

func (s *Server) handleGetService(_ context.Context, input *serviceNameInput) (*serviceOutput, error) {
	h, ok := s.monitor.GetServiceHealth(input.Name)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("service %q not registered", input.Name))
	}
	return &serviceOutput{Body: h}, nil
}

func (s *Server) handleCheckService(ctx context.Context, input *serviceNameInput) (*serviceOutput, error) {
	h, err := s.monitor.ForceHealthCheck(ctx, input.Name)
	if err != nil {
		return nil, toHTTPError(err)
	}
	return &serviceOutput{Body: h}, nil
}

func (s *Server) handleRecoverService(ctx context.Context, input *recoverInput) (*recoverOutput, error) {
	action, ok := selfheal.ParseAction(input.Action)
	if !ok {
		return nil, huma.Error400BadRequest(fmt.Sprintf("unknown action %q", input.Action))
	}

	success, err := s.monitor.TriggerRecovery(ctx, input.Name, action)
	if err != nil {
		return nil, toHTTPError(err)
	}

	out := &recoverOutput{}
	out.Body.Service = input.Name
	out.Body.Action = action
	out.Body.Success = success
	return out, nil
}

func (s *Server) handleResetService(_ context.Context, input *serviceNameInput) (*statusOutput, error) {
	if err := s.monitor.ResetRecoveryAttempts(input.Name); err != nil {
		return nil, toHTTPError(err)
	}
	out := &statusOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (s *Server) handleStats(_ context.Context, _ *struct{}) (*statsOutput, error) {
	return &statsOutput{Body: s.monitor.GetStats()}, nil
}

func (s *Server) handleHistory(_ context.Context, input *historyInput) (*historyOutput, error) {
	out := &historyOutput{}
	out.Body.Events = s.monitor.GetRecoveryHistory(input.Limit)
	return out, nil
}

func (s *Server) handleRules(_ context.Context, _ *struct{}) (*rulesOutput, error) {
	rules := s.monitor.RecoveryRules()
	out := &rulesOutput{}
	out.Body.Rules = make([]RuleView, 0, len(rules))
	for _, r := range rules {
		out.Body.Rules = append(out.Body.Rules, RuleView{
			ID:          r.ID,
			ServiceName: r.ServiceName,
			Condition:   r.Condition,
			Action:      r.Action,
			MaxAttempts: r.MaxAttempts,
			Cooldown:    r.Cooldown.String(),
			Priority:    r.Priority,
			Enabled:     r.Enabled,
			Custom:      r.Recoverer != nil,
		})
	}
	return out, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, selfheal.ErrServiceNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, selfheal.ErrInvalidRule), errors.Is(err, selfheal.ErrNoRecoverer):
		return huma.Error400BadRequest(err.Error())
	default:
		return huma.Error500InternalServerError("internal server error", err)
	}
}
