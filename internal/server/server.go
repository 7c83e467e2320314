package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"missionline/internal/apperr"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/nonce"
	"missionline/internal/ratelimit"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Limiter  *ratelimit.Limiter
	Nonces   *nonce.Guard
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"No slots available (race condition)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) GetHeaders() http.Header { return e.headers }
func (e *apiError) Error() string           { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &handlers{e: cfg.Engine, limiter: cfg.Limiter, nonces: cfg.Nonces}

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerDeals(group)
	s.registerApplications(group)
	s.registerMissions(group)
	s.registerPayouts(group)
	s.registerAccounts(group)
	s.registerEvents(group)
	s.registerAdmin(group)
	s.registerAPIKeys(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e       engine.Engine
	limiter *ratelimit.Limiter
	nonces  *nonce.Guard
}

// gate runs the rate limit and, when a nonce header is present, the replay
// guard for the principal before a mutating operation proceeds.
func (s *handlers) gate(ctx context.Context, limitType string, p Principal) error {
	if s.limiter != nil {
		res, err := s.limiter.Check(ctx, limitType, p.ID, 1)
		if err != nil {
			return err
		}
		if !res.Allowed {
			if res.Frozen {
				return apperr.RateLimited(res.RetryAfterSeconds, "requests for %s are frozen", limitType)
			}
			return apperr.RateLimited(res.RetryAfterSeconds, "rate limit exceeded for %s", limitType)
		}
	}
	if s.nonces != nil {
		if n := nonceFromContext(ctx); n != "" {
			res, err := s.nonces.Check(ctx, p.ID, n)
			if err != nil {
				return err
			}
			if !res.Valid {
				return apperr.ReplayDetected("nonce rejected: %s", res.Reason)
			}
		}
	}
	return nil
}

type nonceHeaderKey struct{}

func nonceFromContext(ctx context.Context) string {
	n, _ := ctx.Value(nonceHeaderKey{}).(string)
	return n
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	switch ae.Kind {
	case apperr.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", ae.Message, nil)
	case apperr.KindInvalidState:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", ae.Message, nil)
	case apperr.KindConflict:
		return newAPIError(http.StatusConflict, "conflict", ae.Message, nil)
	case apperr.KindReplayDetected:
		return newAPIError(http.StatusConflict, "replay_detected", ae.Message, nil)
	case apperr.KindRateLimited:
		return &apiError{
			status:  http.StatusTooManyRequests,
			headers: http.Header{"Retry-After": []string{strconv.Itoa(ae.RetryAfterSeconds)}},
			Body: apiErrorBody{
				Code:    "rate_limited",
				Message: ae.Message,
				Details: map[string]any{"retry_after_seconds": ae.RetryAfterSeconds},
			},
		}
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": ae.Message})
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
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missionline API Docs</title>
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

func (s *handlers) registerDeals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Publish a deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.DealCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			AgentID:      p.ID,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			RewardCents:  input.Body.RewardCents,
			SlotsTotal:   input.Body.SlotsTotal,
			Requirements: input.Body.Requirements,
			ExpiresAt:    stringOrEmpty(input.Body.ExpiresAt),
			Activate:     input.Body.Activate,
		}
		if input.Body.FeePercent != nil {
			opts.FeePercent = *input.Body.FeePercent
		}
		if input.Body.PaymentModel != nil {
			opts.PaymentModel = domain.PaymentModel(*input.Body.PaymentModel)
		}
		if input.Body.Visibility != nil {
			opts.Visibility = domain.DealVisibility(*input.Body.Visibility)
		}
		d, err := s.e.CreateDeal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"draft,active,completed,cancelled,expired" required:"false"`
		AgentID string `query:"agent_id" required:"false"`
		Limit   int    `query:"limit" required:"false"`
	}) (*struct {
		Body []DealResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListDeals(ctx, repo.DealFilters{
			Status:  input.Status,
			AgentID: input.AgentID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DealResponse `json:"body"`
		}{Body: mapDeals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := s.e.GetDeal(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/activate",
		Summary:     "Activate a draft deal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		d, err := s.e.ActivateDeal(ctx, p.ID, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/cancel",
		Summary:     "Cancel a deal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		d, err := s.e.CancelDeal(ctx, p.ID, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})
}

func (s *handlers) registerApplications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-to-deal",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/applications",
		Summary:       "Apply to a deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Nonce  string `header:"X-Nonce" required:"false"`
		Body   ApplyRequest
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "operator")
		if authErr != nil {
			return nil, authErr
		}
		ctx = context.WithValue(ctx, nonceHeaderKey{}, input.Nonce)
		if err := s.gate(ctx, "apply", p); err != nil {
			return nil, handleError(err)
		}
		a, err := s.e.ApplyToDeal(ctx, input.DealID, p.ID, stringOrEmpty(input.Body.Message))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
	}, func(ctx context.Context, input *struct {
		DealID     string `query:"deal_id" required:"false"`
		OperatorID string `query:"operator_id" required:"false"`
		Status     string `query:"status" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListApplications(ctx, repo.ApplicationFilters{
			DealID:     input.DealID,
			OperatorID: input.OperatorID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "shortlist-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/shortlist",
		Summary:     "Shortlist an application",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.ShortlistApplication(ctx, p.ID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "select-application",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/select",
		Summary:       "Select an application, consuming a deal slot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		Nonce         string `header:"X-Nonce" required:"false"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		ctx = context.WithValue(ctx, nonceHeaderKey{}, input.Nonce)
		if err := s.gate(ctx, "select", p); err != nil {
			return nil, handleError(err)
		}
		m, err := s.e.SelectApplication(ctx, p.ID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/reject",
		Summary:     "Reject an application",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.RejectApplication(ctx, p.ID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/withdraw",
		Summary:     "Withdraw an application",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "operator")
		if authErr != nil {
			return nil, authErr
		}
		a, err := s.e.WithdrawApplication(ctx, p.ID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})
}

func (s *handlers) registerMissions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		DealID     string `query:"deal_id" required:"false"`
		OperatorID string `query:"operator_id" required:"false"`
		Status     string `query:"status" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.ListMissions(ctx, repo.MissionFilters{
			DealID:     input.DealID,
			OperatorID: input.OperatorID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission with its payments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := s.e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		payments, err := s.e.ListPayments(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: MissionResponse{Mission: m, Payments: payments}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/submit",
		Summary:     "Submit work for verification",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Nonce     string `header:"X-Nonce" required:"false"`
		Body      SubmitRequest
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "operator")
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.URL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		ctx = context.WithValue(ctx, nonceHeaderKey{}, input.Nonce)
		if err := s.gate(ctx, "submit", p); err != nil {
			return nil, handleError(err)
		}
		m, err := s.e.SubmitMission(ctx, p.ID, input.MissionID, input.Body.URL, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel a mission, releasing its slot",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Body      CancelRequest
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := s.e.CancelMission(ctx, p.ID, input.MissionID, stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func (s *handlers) registerPayouts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-payout",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/approve",
		Summary:     "Approve a verified mission, opening the fee payment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Body      ApproveRequest
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		if err := s.gate(ctx, "payout", p); err != nil {
			return nil, handleError(err)
		}
		hours := 0
		if input.Body.DeadlineHours != nil {
			hours = *input.Body.DeadlineHours
		}
		m, err := s.e.ApprovePayout(ctx, p.ID, input.MissionID, hours)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-address",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/unlock",
		Summary:     "Confirm the fee payment and unlock the payout address",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Body      UnlockRequest
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		if err := s.gate(ctx, "payout", p); err != nil {
			return nil, handleError(err)
		}
		m, err := s.e.UnlockAddress(ctx, p.ID, input.MissionID, input.Body.TxHash, input.Body.Chain, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payout",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/confirm",
		Summary:     "Confirm the payout, closing the mission",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Body      ConfirmRequest
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "agent")
		if authErr != nil {
			return nil, authErr
		}
		if err := s.gate(ctx, "payout", p); err != nil {
			return nil, handleError(err)
		}
		m, err := s.e.ConfirmPayout(ctx, p.ID, input.MissionID, input.Body.TxHash, input.Body.Chain, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}

func (s *handlers) registerAccounts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Agent profile with derived trust level",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body engine.AgentProfile `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		profile, err := s.e.GetAgentProfile(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AgentProfile `json:"body"`
		}{Body: profile}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operator",
		Method:      http.MethodGet,
		Path:        "/operators/{operator_id}",
		Summary:     "Operator profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperatorID string `path:"operator_id"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := s.e.GetOperator(ctx, input.OperatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-addresses",
		Method:      http.MethodPut,
		Path:        "/me/addresses",
		Summary:     "Record payout addresses",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AddressesRequest
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, "operator")
		if authErr != nil {
			return nil, authErr
		}
		o, err := s.e.SetOperatorAddresses(ctx, p.ID, input.Body.EVMAddress, input.Body.SolanaAddress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/me/inbox",
		Summary:     "Stored notifications for the caller",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.e.Inbox(ctx, p.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})
}

func (s *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" required:"false"`
		Limit int   `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := s.e.Repo.EventsAfter(ctx, limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func (s *handlers) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-overdue",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Suspend agents with overdue payouts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := s.e.SweepOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{SweepResult: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reinstate-agent",
		Method:      http.MethodPost,
		Path:        "/admin/agents/{agent_id}/reinstate",
		Summary:     "Lift an agent suspension",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if err := s.e.LiftSuspension(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-nonces",
		Method:      http.MethodPost,
		Path:        "/admin/nonces/{agent_id}/reset",
		Summary:     "Clear an agent's nonce window (test environments)",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    NonceResetRequest
	}) (*struct{}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if s.nonces == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "nonce guard not running", nil)
		}
		if err := s.nonces.Reset(ctx, input.AgentID, input.Body.Credential); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (s *handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body APIKeyIssueRequest
	}) (*struct {
		Body APIKeyIssueResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.PrincipalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "principal_id is required", nil)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:          uuid.New().String(),
			PrincipalID: input.Body.PrincipalID,
			Role:        input.Body.Role,
			Name:        stringOrEmpty(input.Body.Name),
			KeyHash:     repo.HashAPIKey(raw),
			CreatedAt:   s.e.Now().UTC().Format(time.RFC3339),
		}
		if err := s.e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyIssueResponse `json:"body"`
		}{Body: APIKeyIssueResponse{ID: key.ID, Key: raw}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.Subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := mintJWT(cfg.JWTSecret, input.Body.Subject, input.Body.Role, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
