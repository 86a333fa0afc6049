package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/engine"
	"github.com/beliaevvc/reskinlab-sub002/internal/logging"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
	"github.com/beliaevvc/reskinlab-sub002/internal/schedule"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"confirm payment: invoice INV-2026-00001 is pending, expected awaiting_confirmation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reskin API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation is a malformed request, not a failed precondition
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(instrument(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Reskin API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerProjects(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerSpecifications(group, cfg.Engine)
	registerOffers(group, cfg.Engine)
	registerInvoices(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// instrument records request latency per route and logs server errors.
func instrument(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
			if status >= http.StatusInternalServerError {
				logger.Error("request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
				)
			}
		})
	}
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
	var (
		nf   engine.NotFoundError
		cf   engine.ConflictError
		pre  engine.PreconditionError
		bad  engine.ValidationError
		msg  = err.Error()
		none = errors.Is(err, repo.ErrNotFound)
	)
	switch {
	case errors.As(err, &bad):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, map[string]any{"field": bad.Field})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", msg, map[string]any{"entity": nf.Entity, "id": nf.ID})
	case none:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &pre):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, map[string]any{"operation": pre.Op})
	case errors.As(err, &cf):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"entity": cf.Entity})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var (
	readErrors   = []int{http.StatusUnauthorized, http.StatusNotFound}
	changeErrors = []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}
)

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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Reskin API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, engine.InitProjectOptions{
			ID:          input.Body.ID,
			Description: input.Body.Description,
			EagerStages: input.Body.EagerStages,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "List stages, including catalogue placeholders",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.WorkflowStage `json:"body"`
	}, error) {
		stages, err := e.ListStages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowStage `json:"body"`
		}{Body: nonNilSlice(stages)}, nil
	})

	type stageRef struct {
		ProjectID string `path:"project_id"`
		Stage     string `path:"stage" doc:"stage id or catalogue key"`
	}
	cascade := func(op string, run func(context.Context, string, string, string) (engine.CascadeResult, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-stage",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/stages/{stage}/" + op,
			Summary:     strings.ToUpper(op[:1]) + op[1:] + " a stage with its cascade",
			Errors:      changeErrors,
		}, func(ctx context.Context, input *stageRef) (*struct {
			Body CascadeResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := run(ctx, input.ProjectID, input.Stage, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CascadeResponse `json:"body"`
			}{Body: cascadeResponse(res)}, nil
		})
	}
	cascade("activate", e.ActivateStage)
	cascade("deactivate", e.DeactivateStage)

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-status",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Set a single stage status",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		StageID string                `path:"stage_id"`
		Body    SetStageStatusRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowStage `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateStageStatus(ctx, input.StageID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowStage `json:"body"`
		}{Body: s}, nil
	})
}

type specPath struct {
	SpecID string `path:"spec_id"`
}

func registerSpecifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-specification",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/specifications/{spec_id}",
		Summary:     "Create or replace a draft specification",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		SpecID    string                   `path:"spec_id"`
		Body      SaveSpecificationRequest `json:"body"`
	}) (*struct {
		Body domain.Specification `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		spec, err := e.SaveSpecification(ctx, engine.SpecificationInput{
			ID:           input.SpecID,
			ProjectID:    input.ProjectID,
			GrandTotal:   input.Body.GrandTotal,
			Items:        input.Body.Items,
			PaymentModel: input.Body.PaymentModel,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Specification `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-specification",
		Method:      http.MethodGet,
		Path:        "/specifications/{spec_id}",
		Summary:     "Get specification",
		Errors:      readErrors,
	}, func(ctx context.Context, input *specPath) (*struct {
		Body domain.Specification `json:"body"`
	}, error) {
		spec, err := e.GetSpecification(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Specification `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-specification",
		Method:      http.MethodPost,
		Path:        "/specifications/{spec_id}/finalize",
		Summary:     "Finalize a draft specification",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *specPath) (*struct {
		Body domain.Specification `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		spec, err := e.FinalizeSpecification(ctx, input.SpecID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Specification `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-schedule",
		Method:      http.MethodGet,
		Path:        "/specifications/{spec_id}/schedule",
		Summary:     "Preview the payment schedule",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *specPath) (*struct {
		Body []schedule.Milestone `json:"body"`
	}, error) {
		ms, err := e.PreviewSchedule(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []schedule.Milestone `json:"body"`
		}{Body: nonNilSlice(ms)}, nil
	})
}

type offerPath struct {
	OfferID string `path:"offer_id"`
}

func registerOffers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-offer",
		Method:      http.MethodPost,
		Path:        "/specifications/{spec_id}/offer",
		Summary:     "Create the offer and invoices for a finalized specification",
		Description: "Idempotent per specification. Invoices that could not be issued are listed under partial.",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *specPath) (*struct {
		Body IssueOfferResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.IssueOffer(ctx, input.SpecID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueOfferResponse `json:"body"`
		}{Body: issueOfferResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-specification-offer",
		Method:      http.MethodGet,
		Path:        "/specifications/{spec_id}/offer",
		Summary:     "Get the offer of a specification",
		Errors:      readErrors,
	}, func(ctx context.Context, input *specPath) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		o, err := e.GetOfferBySpecification(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{offer_id}",
		Summary:     "Get offer",
		Errors:      readErrors,
	}, func(ctx context.Context, input *offerPath) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		o, err := e.GetOffer(ctx, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: o}, nil
	})

	transition := func(op, summary string, run func(context.Context, string, string) (domain.Offer, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-offer",
			Method:      http.MethodPost,
			Path:        "/offers/{offer_id}/" + op,
			Summary:     summary,
			Errors:      changeErrors,
		}, func(ctx context.Context, input *offerPath) (*struct {
			Body domain.Offer `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			o, err := run(ctx, input.OfferID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Offer `json:"body"`
			}{Body: o}, nil
		})
	}
	transition("accept", "Accept a pending offer", e.AcceptOffer)
	transition("cancel", "Cancel a pending offer and its unpaid invoices", e.CancelOffer)

	huma.Register(api, huma.Operation{
		OperationID: "list-offer-invoices",
		Method:      http.MethodGet,
		Path:        "/offers/{offer_id}/invoices",
		Summary:     "List the invoices of an offer",
		Errors:      readErrors,
	}, func(ctx context.Context, input *offerPath) (*struct {
		Body []domain.Invoice `json:"body"`
	}, error) {
		items, err := e.ListOfferInvoices(ctx, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Invoice `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-offers",
		Method:      http.MethodPost,
		Path:        "/offers/expire",
		Summary:     "Expire pending offers past their validity",
		Errors:      changeErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireOffersResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ExpireOffers(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireOffersResponse `json:"body"`
		}{Body: ExpireOffersResponse{Expired: n}}, nil
	})
}

type invoicePath struct {
	InvoiceID string `path:"invoice_id"`
}

func registerInvoices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/invoices",
		Summary:     "List project invoices",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Invoice `json:"body"`
	}, error) {
		items, err := e.ListInvoices(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Invoice `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{invoice_id}",
		Summary:     "Get invoice",
		Errors:      readErrors,
	}, func(ctx context.Context, input *invoicePath) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		inv, err := e.GetInvoice(ctx, input.InvoiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-payment",
		Method:      http.MethodPost,
		Path:        "/invoices/{invoice_id}/submit",
		Summary:     "Submit a payment transaction hash",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		InvoiceID string               `path:"invoice_id"`
		Body      SubmitPaymentRequest `json:"body"`
	}) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.SubmitPayment(ctx, input.InvoiceID, input.Body.TxHash, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payment",
		Method:      http.MethodPost,
		Path:        "/invoices/{invoice_id}/confirm",
		Summary:     "Confirm a submitted payment",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *invoicePath) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.ConfirmPayment(ctx, input.InvoiceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-payment",
		Method:      http.MethodPost,
		Path:        "/invoices/{invoice_id}/reject",
		Summary:     "Reject a submitted payment",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		InvoiceID string               `path:"invoice_id"`
		Body      RejectPaymentRequest `json:"body"`
	}) (*struct {
		Body domain.Invoice `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.RejectPayment(ctx, input.InvoiceID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Invoice `json:"body"`
		}{Body: inv}, nil
	})
}

type approvalPath struct {
	ApprovalID string `path:"approval_id"`
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/approvals",
		Summary:       "Request a client approval",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestApproval(ctx, engine.ApprovalRequest{
			ProjectID:     input.ProjectID,
			StageID:       input.Body.StageID,
			ApprovalType:  input.Body.ApprovalType,
			MaxFreeRounds: input.Body.MaxFreeRounds,
			RequestedBy:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List project approvals",
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		items, err := e.ListApprovals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval",
		Errors:      readErrors,
	}, func(ctx context.Context, input *approvalPath) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		a, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/respond",
		Summary:     "Respond to an approval",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ApprovalID string                 `path:"approval_id"`
		Body       RespondApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RespondApproval(ctx, input.ApprovalID, input.Body.Response, input.Body.Comment, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events",
		Description: "Without a cursor the newest events come first. With a cursor, events after it in ascending order.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.Cursor == "" {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ProjectID, "")
		} else {
			cursor, perr := strconv.ParseInt(input.Cursor, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err = e.Repo.EventsAfter(ctx, limit+1, cursor, input.ProjectID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if input.Cursor != "" && len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
