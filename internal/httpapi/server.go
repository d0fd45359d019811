// Package httpapi exposes the agent runtime over HTTP: blocking and
// streaming agent runs, team runs, and run-log listing.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	skillagent "github.com/alleneee/skill-agent"
)

// Server wires HTTP handlers to the agent runtime.
type Server struct {
	client        skillagent.LLMClient
	sessions      *skillagent.AgentSessionManager
	teamSessions  *skillagent.TeamSessionManager
	runLog        skillagent.RunLogger
	tracer        skillagent.Tracer
	tokens        *skillagent.TokenManager
	logger        *slog.Logger
	workspace     string
	maxSteps      int
	spawnMaxDepth int
	tools         []skillagent.Tool
	runLogDir     string
}

// Option configures a Server.
type Option func(*Server)

// WithSessions enables agent session persistence.
func WithSessions(sm *skillagent.AgentSessionManager) Option {
	return func(s *Server) { s.sessions = sm }
}

// WithTeamSessions enables team session persistence.
func WithTeamSessions(sm *skillagent.TeamSessionManager) Option {
	return func(s *Server) { s.teamSessions = sm }
}

// WithRunLogger sets the run-event sink.
func WithRunLogger(rl skillagent.RunLogger) Option {
	return func(s *Server) { s.runLog = rl }
}

// WithRunLogDir enables GET /runs over a file run-log directory.
func WithRunLogDir(dir string) Option {
	return func(s *Server) { s.runLogDir = dir }
}

// WithTracer sets the span tracer.
func WithTracer(t skillagent.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithTokenManager enables history compression.
func WithTokenManager(tm *skillagent.TokenManager) Option {
	return func(s *Server) { s.tokens = tm }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkspace sets the agent workspace directory.
func WithWorkspace(dir string) Option {
	return func(s *Server) { s.workspace = dir }
}

// WithMaxSteps sets the default step budget.
func WithMaxSteps(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// WithSpawnMaxDepth sets the sub-agent nesting bound.
func WithSpawnMaxDepth(d int) Option {
	return func(s *Server) { s.spawnMaxDepth = d }
}

// WithTools sets the tool pool granted to agents and team members.
func WithTools(tools ...skillagent.Tool) Option {
	return func(s *Server) { s.tools = append(s.tools, tools...) }
}

// New builds a Server around an LLM client.
func New(client skillagent.LLMClient, opts ...Option) *Server {
	s := &Server{
		client:        client,
		runLog:        skillagent.NopRunLogger{},
		logger:        slog.New(slog.DiscardHandler),
		maxSteps:      skillagent.DefaultMaxSteps,
		spawnMaxDepth: skillagent.DefaultSpawnMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/run", s.handleAgentRun)
	mux.HandleFunc("POST /agent/run/stream", s.handleAgentRunStream)
	mux.HandleFunc("POST /team/run", s.handleTeamRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

type agentRunRequest struct {
	Message        string `json:"message"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	MaxSteps       int    `json:"max_steps,omitempty"`
	NumHistoryRuns int    `json:"num_history_runs,omitempty"`
	WorkspaceDir   string `json:"workspace_dir,omitempty"`
	EnableSpawn    bool   `json:"enable_spawn,omitempty"`
}

func (req agentRunRequest) runOptions() []skillagent.RunOption {
	var opts []skillagent.RunOption
	if req.SessionID != "" {
		opts = append(opts, skillagent.WithSession(req.SessionID, req.UserID))
	}
	if req.NumHistoryRuns > 0 {
		opts = append(opts, skillagent.WithRunHistoryRuns(req.NumHistoryRuns))
	}
	return opts
}

func (s *Server) buildAgent(req agentRunRequest) (*skillagent.Agent, error) {
	workspace := req.WorkspaceDir
	if workspace == "" {
		workspace = s.workspace
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.maxSteps
	}

	tools := append([]skillagent.Tool(nil), s.tools...)
	if req.EnableSpawn {
		tools = append(tools, skillagent.NewSpawnAgentTool(s.client, nil,
			skillagent.WithSpawnMaxDepth(s.spawnMaxDepth),
			skillagent.WithSpawnWorkspace(workspace),
			skillagent.WithSpawnRunLogger(s.runLog),
			skillagent.WithSpawnLogger(s.logger),
			skillagent.WithSpawnTracer(s.tracer),
			skillagent.WithSpawnTokenManager(s.tokens)))
	}

	opts := []skillagent.AgentOption{
		skillagent.WithTools(tools...),
		skillagent.WithMaxSteps(maxSteps),
		skillagent.WithWorkspace(workspace),
		skillagent.WithRunLogger(s.runLog),
		skillagent.WithLogger(s.logger),
		skillagent.WithTracer(s.tracer),
		skillagent.WithTokenManager(s.tokens),
	}
	if req.SystemPrompt != "" {
		opts = append(opts, skillagent.WithSystemPrompt(req.SystemPrompt))
	}
	if s.sessions != nil {
		opts = append(opts, skillagent.WithSessionManager(s.sessions))
	}
	return skillagent.NewAgent(s.client, opts...)
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	agent, err := s.buildAgent(req)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "build agent: %v", err)
		return
	}

	out, runErr := agent.Run(r.Context(), req.Message, req.runOptions()...)
	if runErr != nil {
		s.logger.Error("agent run failed", "run_id", out.RunID, "error", runErr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentRunStream(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	agent, err := s.buildAgent(req)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "build agent: %v", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan skillagent.AgentEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.RunStream(r.Context(), req.Message, events, req.runOptions()...)
	}()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
	<-done
}

type teamRunRequest struct {
	Message         string   `json:"message"`
	Strategy        string   `json:"strategy,omitempty"` // "delegate" (default) or "broadcast"
	Members         []string `json:"members"`            // role strings
	CoordinatorRole string   `json:"coordinator_role,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	WorkspaceDir    string   `json:"workspace_dir,omitempty"`
	MaxSteps        int      `json:"max_steps,omitempty"`
}

func (s *Server) handleTeamRun(w http.ResponseWriter, r *http.Request) {
	var req teamRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Members) == 0 {
		httpError(w, http.StatusBadRequest, "at least one member role is required")
		return
	}

	toolNames := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		toolNames = append(toolNames, t.Name())
	}
	members := make([]skillagent.TeamMemberConfig, 0, len(req.Members))
	for i, role := range req.Members {
		members = append(members, skillagent.TeamMemberConfig{
			ID:    fmt.Sprintf("member_%d", i+1),
			Name:  role,
			Role:  role,
			Tools: toolNames,
		})
	}

	config := skillagent.TeamConfig{
		Name:          "ad-hoc-team",
		Description:   "Team assembled for a single request.",
		Members:       members,
		DelegateToAll: req.Strategy == "broadcast",
	}
	if req.CoordinatorRole != "" {
		config.LeaderInstructions = fmt.Sprintf("Act as a %s while coordinating.", req.CoordinatorRole)
	}

	workspace := req.WorkspaceDir
	if workspace == "" {
		workspace = s.workspace
	}

	teamOpts := []skillagent.TeamOption{
		skillagent.WithTeamTools(s.tools...),
		skillagent.WithTeamWorkspace(workspace),
		skillagent.WithTeamRunLogger(s.runLog),
		skillagent.WithTeamLogger(s.logger),
		skillagent.WithTeamTracer(s.tracer),
		skillagent.WithTeamTokenManager(s.tokens),
	}
	if s.teamSessions != nil {
		teamOpts = append(teamOpts, skillagent.WithTeamSessionManager(s.teamSessions))
	}

	team, err := skillagent.NewTeam(config, s.client, teamOpts...)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "build team: %v", err)
		return
	}

	var runOpts []skillagent.TeamRunOption
	if req.MaxSteps > 0 {
		runOpts = append(runOpts, skillagent.WithTeamMaxSteps(req.MaxSteps))
	}
	if req.SessionID != "" {
		runOpts = append(runOpts, skillagent.WithTeamSession(req.SessionID, req.UserID))
	}

	out, runErr := team.Run(r.Context(), req.Message, runOpts...)
	if runErr != nil {
		s.logger.Error("team run failed", "run_id", out.RunID, "error", runErr)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListRuns lists run summaries from the file run-log directory,
// newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runLogDir == "" {
		httpError(w, http.StatusNotFound, "run log listing not configured")
		return
	}
	entries, err := os.ReadDir(s.runLogDir)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "read run log dir: %v", err)
		return
	}

	type indexed struct {
		modTime int64
		summary json.RawMessage
	}
	var summaries []indexed
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".summary.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.runLogDir, e.Name()))
		if err != nil || !json.Valid(data) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		summaries = append(summaries, indexed{modTime: info.ModTime().UnixNano(), summary: data})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].modTime > summaries[j].modTime })

	out := make([]json.RawMessage, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun returns one run summary by id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runLogDir == "" {
		httpError(w, http.StatusNotFound, "run log listing not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" || id != filepath.Base(id) {
		httpError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	data, err := os.ReadFile(filepath.Join(s.runLogDir, id+".summary.json"))
	if os.IsNotExist(err) {
		httpError(w, http.StatusNotFound, "run %s not found", id)
		return
	}
	if err != nil || !json.Valid(data) {
		httpError(w, http.StatusInternalServerError, "read run summary: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(data))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
