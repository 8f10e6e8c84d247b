package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/carpool-router/internal/config"
	"github.com/fairyhunter13/carpool-router/internal/domain"
	"github.com/fairyhunter13/carpool-router/internal/service/pool"
)

// RouteService is the routing entry point the handlers dispatch into.
type RouteService interface {
	Route(ctx domain.Context, groupID string, req domain.RouteRequest) (domain.RouteResponse, error)
}

// PoolService reports and triggers pool maintenance.
type PoolService interface {
	GetStatus(ctx context.Context) map[domain.ServiceType]pool.Status
	TriggerHealthCheck(ctx context.Context, svc domain.ServiceType)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Router     RouteService
	Pool       PoolService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, router RouteService, pool PoolService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Router: router, Pool: pool, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type routeRequestBody struct {
	GroupID string              `json:"group_id" validate:"required"`
	Request domain.RouteRequest `json:"request" validate:"required"`
}

// RouteHandler dispatches one chat request through the routing core.
func (s *Server) RouteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
			}})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB

		var body routeRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		if len(body.Request.Messages) == 0 {
			writeError(w, r, fmt.Errorf("%w: messages must not be empty", domain.ErrInvalidArgument), nil)
			return
		}

		resp, err := s.Router.Route(r.Context(), body.GroupID, body.Request)
		if err != nil {
			LoggerFrom(r).Warn("route failed",
				"group_id", body.GroupID,
				"service_type", string(body.Request.Resolved()),
				"error", err)
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// PoolStatusHandler reports the published snapshot per service type.
func (s *Server) PoolStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pools": s.Pool.GetStatus(r.Context())})
	}
}

// PoolHealthCheckHandler triggers an immediate probe round. An optional
// service_type query parameter narrows the round to one service.
func (s *Server) PoolHealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := domain.ServiceType(r.URL.Query().Get("service_type"))
		if svc != "" && !knownServiceType(svc) {
			writeError(w, r, fmt.Errorf("%w: unknown service_type %q", domain.ErrInvalidArgument, svc), nil)
			return
		}
		s.Pool.TriggerHealthCheck(r.Context(), svc)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

func knownServiceType(svc domain.ServiceType) bool {
	for _, known := range domain.KnownServiceTypes {
		if svc == known {
			return true
		}
	}
	return false
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the DB and Redis dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
