package coordination

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cordum/agentlock/core/apierr"
	"github.com/cordum/agentlock/core/infra/locks"
)

// Server wires the Coordination API's HTTP handlers to a Service.
type Server struct {
	svc     *Service
	Activity *ActivityHub
}

// NewServer constructs a Server. activity may be nil to omit the
// activity stream route.
func NewServer(svc *Service, activity *ActivityHub) *Server {
	return &Server{svc: svc, Activity: activity}
}

// Register installs the Coordination API routes on mux, following the
// path table in SPEC_FULL.md §5.5.
func (srv *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/status/check", srv.handleCheckStatus)
	mux.HandleFunc("POST /api/v1/status/post", srv.handlePostStatus)
	mux.HandleFunc("GET /api/v1/graph", srv.handleGetGraph)
	mux.HandleFunc("POST /api/v1/locks/release-all", srv.handleReleaseAllLocks)
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	if srv.Activity != nil {
		mux.HandleFunc("GET /api/v1/activity/stream", srv.Activity.ServeHTTP)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := apierr.AsError(err)
	writeJSON(w, apiErr.HTTPStatus, apiErr)
}

type checkStatusRequestBody struct {
	RepoURL   string   `json:"repo_url"`
	Branch    string   `json:"branch"`
	FilePaths []string `json:"file_paths"`
	AgentHead string   `json:"agent_head"`
}

func (srv *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	var body checkStatusRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.BadRequest("invalid json body"))
		return
	}
	result, err := srv.svc.CheckStatus(r.Context(), CheckStatusRequest{
		RepoURL:   body.RepoURL,
		Branch:    body.Branch,
		FilePaths: body.FilePaths,
		AgentHead: body.AgentHead,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type postStatusRequestBody struct {
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
	FilePaths   []string `json:"file_paths"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	AgentHead   string `json:"agent_head"`
	NewRepoHead string `json:"new_repo_head"`
}

func callerIdentity(r *http.Request) (userID, userName string) {
	userID = strings.TrimSpace(r.Header.Get("X-User-Id"))
	userName = strings.TrimSpace(r.Header.Get("X-User-Name"))
	return userID, userName
}

func (srv *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	var body postStatusRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.BadRequest("invalid json body"))
		return
	}
	userID, userName := callerIdentity(r)
	if userID == "" {
		writeAPIError(w, apierr.BadRequest("X-User-Id header is required"))
		return
	}
	result, err := srv.svc.PostStatus(r.Context(), PostStatusRequest{
		RepoURL:     body.RepoURL,
		Branch:      body.Branch,
		FilePaths:   body.FilePaths,
		Status:      locks.Status(body.Status),
		Message:     body.Message,
		UserID:      userID,
		UserName:    userName,
		AgentHead:   body.AgentHead,
		NewRepoHead: body.NewRepoHead,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoURL := q.Get("repo_url")
	branch := q.Get("branch")
	regenerate := q.Get("regenerate") == "true"

	graph, err := srv.svc.GetGraph(r.Context(), repoURL, branch, regenerate)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

type releaseAllRequestBody struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

func (srv *Server) handleReleaseAllLocks(w http.ResponseWriter, r *http.Request) {
	var body releaseAllRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.BadRequest("invalid json body"))
		return
	}
	result, err := srv.svc.ReleaseAllLocks(r.Context(), body.RepoURL, body.Branch)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
