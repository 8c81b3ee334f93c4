package server

import (
	"bytes"
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
	"github.com/go-chi/cors"

	"snagline/internal/domain"
	"snagline/internal/engine"
	"snagline/internal/engine/auth"
	"snagline/internal/engine/workflow"
	"snagline/internal/logger"
	"snagline/internal/realtime"
	"snagline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub serves the live channel. The channel is not mounted when nil.
	Hub             *realtime.Hub
	LiveSendTimeout time.Duration
	Log             *logger.Logger
	// MaxBodyBytes caps request bodies. Snag bodies carry base64 photos.
	MaxBodyBytes int64
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
}

const defaultMaxBodyBytes int64 = 32 << 20

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"role contractor may not modify field description"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"description\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const notificationListLimit = 100

// New returns an HTTP handler exposing the Snagline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "request_entity_too_large",
						fmt.Sprintf("request body is too large limit=%d bytes", maxBody), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Snagline API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerLive(router, basePath, liveHandler{
		engine:      cfg.Engine,
		hub:         cfg.Hub,
		auth:        cfg.Auth,
		sendTimeout: cfg.LiveSendTimeout,
		log:         cfg.Log,
	})
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerUsers(group, cfg.Engine)
	registerBuildings(group, cfg.Engine)
	registerSnags(group, cfg.Engine, maxBody)
	registerNotifications(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details := map[string]any{"role": string(fe.Role)}
		if fe.Field != "" {
			details["field"] = fe.Field
		} else {
			details["action"] = fe.Action
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidCredentials) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "Incorrect email or password", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Snagline API Docs</title>
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
      Log in with POST %s and send Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL, path.Join("/", basePath, "auth/login"))
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for an access token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		u, err := e.Login(ctx, strings.TrimSpace(input.Body.Email), input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := IssueToken(authCfg.JWTSecret, u, authCfg.ttl(), time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{AccessToken: token, TokenType: "bearer", User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-user",
		Method:      http.MethodPost,
		Path:        "/auth/register",
		Summary:     "Register a user (managers only)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UserCreateOptions{
			Email:    input.Body.Email,
			Password: input.Body.Password,
			Name:     input.Body.Name,
			Role:     input.Body.Role,
		}
		if input.Body.Phone != nil {
			opts.Phone = *input.Body.Phone
		}
		u, err := e.RegisterUser(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-push-token",
		Method:      http.MethodPut,
		Path:        "/auth/push-token",
		Summary:     "Store the caller's push token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PushTokenRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UpdatePushToken(ctx, actor, input.Body.PushToken); err != nil {
			return nil, handleError(err)
		}
		return messageResponse("Push token updated successfully"), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	lists := []struct {
		id      string
		path    string
		summary string
		list    func(context.Context) ([]domain.User, error)
	}{
		{"list-users", "/users", "List users", e.Users},
		{"list-contractors", "/users/contractors", "List contractors", e.Contractors},
		{"list-authorities", "/users/authorities", "List authorities", e.Authorities},
	}
	for _, l := range lists {
		list := l.list
		huma.Register(api, huma.Operation{
			OperationID: l.id,
			Method:      http.MethodGet,
			Path:        l.path,
			Summary:     l.summary,
			Errors:      []int{http.StatusUnauthorized},
		}, func(ctx context.Context, _ *struct{}) (*struct {
			Body []UserResponse `json:"body"`
		}, error) {
			items, err := list(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []UserResponse `json:"body"`
			}{Body: mapUsers(items)}, nil
		})
	}
}

func registerBuildings(api huma.API, e engine.Engine) {
	type buildingPath struct {
		Name string `path:"building_name"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "suggested-authorities",
		Method:      http.MethodGet,
		Path:        "/buildings/{building_name}/suggested-authorities",
		Summary:     "Authorities most used on a project",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *buildingPath) (*struct {
		Body SuggestedAuthoritiesResponse `json:"body"`
	}, error) {
		items, err := e.SuggestedAuthorities(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SuggestedAuthoritiesResponse{SuggestedAuthorities: make([]SuggestedAuthority, 0, len(items))}
		for _, s := range items {
			resp.SuggestedAuthorities = append(resp.SuggestedAuthorities, SuggestedAuthority{
				ID:           s.ID,
				Name:         s.Name,
				SnagCount:    s.Count,
				LastAssigned: s.LastUsedAt,
			})
		}
		return &struct {
			Body SuggestedAuthoritiesResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "previous-authority",
		Method:      http.MethodGet,
		Path:        "/buildings/{building_name}/previous-authority",
		Summary:     "Authorities of the project's most recent assigned snag",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *buildingPath) (*struct {
		Body PreviousAuthorityResponse `json:"body"`
	}, error) {
		ids, names, ok, err := e.PreviousAuthority(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PreviousAuthorityResponse{AuthorityIDs: []string{}, AuthorityNames: []string{}}
		if ok {
			resp.AuthorityIDs = ids
			resp.AuthorityNames = names
			if len(ids) > 0 {
				resp.AuthorityID = &ids[0]
			}
			if len(names) > 0 {
				resp.AuthorityName = &names[0]
			}
		}
		return &struct {
			Body PreviousAuthorityResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSnags(api huma.API, e engine.Engine, maxBody int64) {
	type snagPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:  "create-snag",
		Method:       http.MethodPost,
		Path:         "/snags",
		Summary:      "Report a snag",
		MaxBodyBytes: maxBody,
		Errors:       []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestEntityTooLarge},
	}, func(ctx context.Context, input *struct {
		Body CreateSnagRequest `json:"body"`
	}) (*struct {
		Body domain.SnagView `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := createOptions(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.CreateSnag(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SnagView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-snags",
		Method:      http.MethodGet,
		Path:        "/snags",
		Summary:     "List snags visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"open,in_progress,resolved,verified"`
		Priority     string `query:"priority" enum:"high,medium,low"`
		Location     string `query:"location"`
		ProjectName  string `query:"project_name"`
		ContractorID string `query:"contractor_id"`
		Limit        int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.SnagView `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSnags(ctx, actor, engine.SnagFilters{
			Status:       input.Status,
			Priority:     input.Priority,
			Location:     input.Location,
			ProjectName:  input.ProjectName,
			ContractorID: input.ContractorID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SnagView `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snag",
		Method:      http.MethodGet,
		Path:        "/snags/{id}",
		Summary:     "Get a snag",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *snagPath) (*struct {
		Body domain.SnagView `json:"body"`
	}, error) {
		view, err := e.GetSnag(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SnagView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "update-snag",
		Method:       http.MethodPut,
		Path:         "/snags/{id}",
		Summary:      "Update a snag",
		Description:  "Fields the caller's role may not modify are rejected with 403 and nothing is persisted.",
		MaxBodyBytes: maxBody,
		Errors: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
			http.StatusConflict, http.StatusRequestEntityTooLarge},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateSnagRequest `json:"body"`
	}) (*struct {
		Body domain.SnagView `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch, err := updatePatch(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.UpdateSnag(ctx, actor, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SnagView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-snag",
		Method:      http.MethodDelete,
		Path:        "/snags/{id}",
		Summary:     "Delete a snag (managers only)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *snagPath) (*struct {
		Body DeleteSnagResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deleted, err := e.DeleteSnag(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteSnagResponse `json:"body"`
		}{Body: DeleteSnagResponse{Message: "Snag deleted successfully", ID: deleted.ID, QueryNo: deleted.QueryNo}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snag-history",
		Method:      http.MethodGet,
		Path:        "/snags/{id}/history",
		Summary:     "Audit events for a snag, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.History(ctx, actor, input.ID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "The caller's notifications, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Notify.ListFor(ctx, actor.ID, notificationListLimit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-all-notifications-read",
		Method:      http.MethodPut,
		Path:        "/notifications/read-all",
		Summary:     "Mark all of the caller's notifications read",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Notify.MarkAllRead(ctx, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return messageResponse("All notifications marked as read"), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPut,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark a notification read",
		Description: "Unknown ids and notifications owned by other users are ignored.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Notify.MarkRead(ctx, input.ID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return messageResponse("Notification marked as read"), nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Snag counts by status and priority",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.DashboardStats `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.DashboardStats(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DashboardStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-names",
		Method:      http.MethodGet,
		Path:        "/projects/names",
		Summary:     "Distinct project names",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectNamesResponse `json:"body"`
	}, error) {
		names, err := e.ProjectNames(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if names == nil {
			names = []string{}
		}
		return &struct {
			Body ProjectNamesResponse `json:"body"`
		}{Body: ProjectNamesResponse{Projects: names}}, nil
	})
}

func messageResponse(msg string) *struct {
	Body MessageResponse `json:"body"`
} {
	return &struct {
		Body MessageResponse `json:"body"`
	}{Body: MessageResponse{Message: msg}}
}

// createOptions maps a create request. A present, non-null
// assigned_authority_ids key switches the sticky default off.
func createOptions(ctx context.Context, body CreateSnagRequest) (engine.SnagCreateOptions, error) {
	dueDate, err := parseDate("due_date", body.DueDate)
	if err != nil {
		return engine.SnagCreateOptions{}, err
	}
	opts := engine.SnagCreateOptions{
		Description:          body.Description,
		Location:             body.Location,
		ProjectName:          body.ProjectName,
		PossibleSolution:     body.PossibleSolution,
		UTMCoordinates:       body.UTMCoordinates,
		Photos:               body.Photos,
		Priority:             domain.Priority(body.Priority),
		CostEstimate:         body.CostEstimate,
		DueDate:              dueDate,
		AssignedContractorID: strPtrValue(body.AssignedContractorID),
		AssignedAuthorityID:  strPtrValue(body.AssignedAuthorityID),
		AuthorityIDs:         body.AssignedAuthorityIDs,
	}
	if raw, ok := rawBodyMap(ctx)["assigned_authority_ids"]; ok && !isNullRaw(raw) {
		opts.AuthorityIDsSet = true
		if opts.AuthorityIDs == nil {
			opts.AuthorityIDs = []string{}
		}
	}
	return opts, nil
}

func updatePatch(body UpdateSnagRequest) (workflow.Patch, error) {
	p := workflow.Patch{
		Description:          body.Description,
		Location:             body.Location,
		ProjectName:          body.ProjectName,
		PossibleSolution:     body.PossibleSolution,
		UTMCoordinates:       body.UTMCoordinates,
		Photos:               body.Photos,
		CostEstimate:         body.CostEstimate,
		AssignedContractorID: body.AssignedContractorID,
		AssignedAuthorityID:  body.AssignedAuthorityID,
		AssignedAuthorityIDs: body.AssignedAuthorityIDs,
		AuthorityFeedback:    body.AuthorityFeedback,
		AuthorityComment:     body.AuthorityComment,
		ContractorCompleted:  body.ContractorCompleted,
		AuthorityApproved:    body.AuthorityApproved,
	}
	if body.Status != nil {
		st := domain.Status(*body.Status)
		p.Status = &st
	}
	if body.Priority != nil {
		pr := domain.Priority(*body.Priority)
		p.Priority = &pr
	}
	var err error
	dates := []struct {
		field string
		raw   *string
		dst   **time.Time
	}{
		{"due_date", body.DueDate, &p.DueDate},
		{"work_started_date", body.WorkStartedDate, &p.WorkStartedDate},
		{"work_completed_date", body.WorkCompletedDate, &p.WorkCompletedDate},
		{"contractor_completion_date", body.ContractorCompletionDate, &p.ContractorCompletionDate},
	}
	for _, d := range dates {
		if *d.dst, err = parseDate(d.field, d.raw); err != nil {
			return workflow.Patch{}, err
		}
	}
	return p, nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// parseDate accepts an RFC 3339 timestamp, a zone-less timestamp read as
// UTC, or a calendar date. Empty input is treated as absent.
func parseDate(field string, raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, domain.ValidationError{Field: field, Reason: "must be an RFC 3339 timestamp or YYYY-MM-DD"}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
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

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
