// Package httpapi is the HTTP surface SPEC_FULL.md §6 exposes: file
// upload/status, campaign CRUD, resource linking, entity read/approve/
// reject, planning-context search, and the operational health/rebuild
// endpoints. Routing follows this corpus's http.ServeMux
// method-and-wildcard pattern (Go 1.22+ "GET /path/{id}" routes), the
// same style the teacher's playground API used.
package httpapi

import (
	"net/http"

	"github.com/ofisk/loresmith/internal/auth"
)

// Server wires every dependency a handler needs; all fields are narrow
// ports so tests substitute fakes without a real Postgres/S3/LLM stack.
type Server struct {
	Files      FileService
	Campaigns  CampaignService
	Entities   EntityService
	Planner    PlanningService
	Rebuilds   RebuildService
	Changelog  ChangelogService
	Health     HealthChecker
	Recordings RecordingService // nil disables voice-recording intake (SPEC_FULL.md §6)
	Middleware func(http.Handler) http.Handler // auth.TenantMiddleware(...), nil disables auth (tests only)

	mux *http.ServeMux
}

// NewServer builds a Server and registers every route.
func NewServer(s Server) *Server {
	srv := &s
	srv.mux = http.NewServeMux()
	srv.registerRoutes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		if s.Middleware == nil {
			return h
		}
		return s.Middleware(h)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("POST /files/upload", wrap(s.handleUploadFile))
	s.mux.Handle("GET /files/{file_key}", wrap(s.handleGetFile))

	s.mux.Handle("POST /campaigns", wrap(s.handleCreateCampaign))
	s.mux.Handle("GET /campaigns", wrap(s.handleListCampaigns))
	s.mux.Handle("GET /campaigns/{id}", wrap(s.handleGetCampaign))
	s.mux.Handle("DELETE /campaigns/{id}", wrap(s.handleDeleteCampaign))

	s.mux.Handle("POST /campaigns/{id}/resources", wrap(s.handleLinkResource))
	s.mux.Handle("GET /campaigns/{id}/entities", wrap(s.handleListEntities))
	s.mux.Handle("GET /campaigns/{id}/entities/{entity_id}", wrap(s.handleGetEntity))
	s.mux.Handle("POST /campaigns/{id}/entities/{entity_id}/approve", wrap(s.handleApproveEntity))
	s.mux.Handle("POST /campaigns/{id}/entities/{entity_id}/reject", wrap(s.handleRejectEntity))

	s.mux.Handle("POST /campaigns/{id}/search", wrap(s.handleSearch))
	s.mux.Handle("GET /campaigns/{id}/rebuilds", wrap(s.handleListRebuilds))
	s.mux.Handle("GET /campaigns/{id}/changelog", wrap(s.handleListChangelog))

	if s.Recordings != nil {
		s.mux.Handle("POST /campaigns/{id}/session-recordings", wrap(s.handleUploadRecording))
	}
}

// identityOrAnonymous lets tests run handlers with Server.Middleware
// nil; production always goes through auth.TenantMiddleware first.
func identityOrAnonymous(r *http.Request) auth.Identity {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id
	}
	return auth.Identity{}
}
