package skillagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DelegateToolName is the single-member delegation tool.
	DelegateToolName = "delegate_task_to_member"
	// BroadcastToolName is the all-members delegation tool.
	BroadcastToolName = "delegate_task_to_all_members"

	// DefaultMemberMaxSteps is a delegated member agent's step budget.
	DefaultMemberMaxSteps = 10
	// DefaultTeamHistoryRuns seeds the leader prompt from session history.
	DefaultTeamHistoryRuns = 5

	defaultTeamHistoryChars = 500
)

// TeamMemberConfig describes one specialist the leader can delegate to.
type TeamMemberConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// TeamConfig is the static shape of a team.
type TeamConfig struct {
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Members            []TeamMemberConfig `json:"members"`
	LeaderInstructions string             `json:"leader_instructions,omitempty"`
	// DelegateToAll switches the leader from targeted delegation to
	// broadcast: one tool that runs every member on the same task.
	DelegateToAll bool `json:"delegate_to_all,omitempty"`
}

// Team coordinates a leader Agent whose only means of doing work is
// delegating to member Agents through dynamically generated tools.
type Team struct {
	config       TeamConfig
	client       LLMClient
	baseTools    *ToolRegistry
	sessions     *TeamSessionManager
	runLog       RunLogger
	logger       *slog.Logger
	tracer       Tracer
	tokens       *TokenManager
	workspaceDir string

	memberMaxSteps int
	spawnMaxDepth  int
}

type teamConfig struct {
	baseTools      []Tool
	sessions       *TeamSessionManager
	runLog         RunLogger
	logger         *slog.Logger
	tracer         Tracer
	tokens         *TokenManager
	workspaceDir   string
	memberMaxSteps int
	spawnMaxDepth  int
}

// TeamOption configures a Team at construction.
type TeamOption func(*teamConfig)

// WithTeamTools sets the pool of tools members draw from by name.
func WithTeamTools(tools ...Tool) TeamOption {
	return func(c *teamConfig) { c.baseTools = append(c.baseTools, tools...) }
}

// WithTeamSessionManager enables team session persistence.
func WithTeamSessionManager(sm *TeamSessionManager) TeamOption {
	return func(c *teamConfig) { c.sessions = sm }
}

// WithTeamRunLogger sets the structured run-event sink for leader and
// member runs.
func WithTeamRunLogger(rl RunLogger) TeamOption {
	return func(c *teamConfig) { c.runLog = rl }
}

// WithTeamLogger sets the slog logger.
func WithTeamLogger(l *slog.Logger) TeamOption {
	return func(c *teamConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTeamTracer sets the span tracer.
func WithTeamTracer(t Tracer) TeamOption {
	return func(c *teamConfig) { c.tracer = t }
}

// WithTeamTokenManager enables history compression for leader and members.
func WithTeamTokenManager(tm *TokenManager) TeamOption {
	return func(c *teamConfig) { c.tokens = tm }
}

// WithTeamWorkspace sets the workspace advertised to leader and members.
func WithTeamWorkspace(dir string) TeamOption {
	return func(c *teamConfig) { c.workspaceDir = dir }
}

// WithMemberMaxSteps overrides the member step budget.
func WithMemberMaxSteps(n int) TeamOption {
	return func(c *teamConfig) {
		if n > 0 {
			c.memberMaxSteps = n
		}
	}
}

// WithTeamSpawnMaxDepth sets the nesting bound for members that declare
// the spawn tool.
func WithTeamSpawnMaxDepth(d int) TeamOption {
	return func(c *teamConfig) { c.spawnMaxDepth = d }
}

// NewTeam validates the config and builds a Team.
func NewTeam(config TeamConfig, client LLMClient, opts ...TeamOption) (*Team, error) {
	if client == nil {
		return nil, errors.New("team: llm client is required")
	}
	if config.Name == "" {
		return nil, errors.New("team: name is required")
	}
	if len(config.Members) == 0 {
		return nil, errors.New("team: at least one member is required")
	}
	seen := make(map[string]bool, len(config.Members))
	for _, m := range config.Members {
		if m.ID == "" {
			return nil, errors.New("team: member id is required")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("team: duplicate member id %q", m.ID)
		}
		seen[m.ID] = true
	}

	cfg := teamConfig{
		runLog:         NopRunLogger{},
		logger:         nopLogger,
		memberMaxSteps: DefaultMemberMaxSteps,
		spawnMaxDepth:  DefaultSpawnMaxDepth,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	baseTools, err := NewToolRegistry(cfg.baseTools...)
	if err != nil {
		return nil, fmt.Errorf("team %s: %w", config.Name, err)
	}
	return &Team{
		config:         config,
		client:         client,
		baseTools:      baseTools,
		sessions:       cfg.sessions,
		runLog:         cfg.runLog,
		logger:         cfg.logger.With("team", config.Name),
		tracer:         cfg.tracer,
		tokens:         cfg.tokens,
		workspaceDir:   cfg.workspaceDir,
		memberMaxSteps: cfg.memberMaxSteps,
		spawnMaxDepth:  cfg.spawnMaxDepth,
	}, nil
}

// Name returns the team name.
func (t *Team) Name() string { return t.config.Name }

// member resolves a member id.
func (t *Team) member(id string) (TeamMemberConfig, bool) {
	for _, m := range t.config.Members {
		if m.ID == id {
			return m, true
		}
	}
	return TeamMemberConfig{}, false
}

func (t *Team) memberIDs() []string {
	ids := make([]string, len(t.config.Members))
	for i, m := range t.config.Members {
		ids[i] = m.ID
	}
	return ids
}

// TeamRunOption configures one team run.
type TeamRunOption func(*teamRunOptions)

type teamRunOptions struct {
	maxSteps    int
	sessionID   string
	userID      string
	historyRuns int
}

// WithTeamSession routes the run through session persistence.
func WithTeamSession(sessionID, userID string) TeamRunOption {
	return func(o *teamRunOptions) {
		o.sessionID = sessionID
		o.userID = userID
	}
}

// WithTeamMaxSteps bounds the leader's step loop for this run.
func WithTeamMaxSteps(n int) TeamRunOption {
	return func(o *teamRunOptions) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithTeamHistoryRuns sets how many past leader runs seed the prompt.
func WithTeamHistoryRuns(n int) TeamRunOption {
	return func(o *teamRunOptions) {
		if n > 0 {
			o.historyRuns = n
		}
	}
}

// Run executes one team turn: the leader agent drives delegation tools until
// it produces a final response. Leader and member runs are recorded in the
// team session when one is configured.
func (t *Team) Run(ctx context.Context, message string, opts ...TeamRunOption) (RunOutput, error) {
	return t.run(ctx, message, nil, opts...)
}

// RunStream is Run with the leader's event stream relayed to ch.
func (t *Team) RunStream(ctx context.Context, message string, ch chan<- AgentEvent, opts ...TeamRunOption) (RunOutput, error) {
	return t.run(ctx, message, ch, opts...)
}

func (t *Team) run(ctx context.Context, message string, ch chan<- AgentEvent, opts ...TeamRunOption) (RunOutput, error) {
	ro := teamRunOptions{maxSteps: DefaultMaxSteps, historyRuns: DefaultTeamHistoryRuns}
	for _, opt := range opts {
		opt(&ro)
	}

	if t.tracer != nil {
		var span Span
		ctx, span = t.tracer.Start(ctx, "team.run",
			StringAttr("team.name", t.config.Name),
			IntAttr("team.members", len(t.config.Members)))
		defer span.End()
	}

	history := t.loadHistory(ctx, ro)

	var delegationTool Tool
	runState := &teamRunState{team: t, opts: ro}
	if t.config.DelegateToAll {
		delegationTool = &broadcastTool{state: runState}
	} else {
		delegationTool = &delegateTool{state: runState}
	}

	leader, err := NewAgent(t.client,
		WithName(t.config.Name+"-leader"),
		WithSystemPrompt(t.leaderSystemPrompt(history)),
		WithTools(delegationTool),
		WithMaxSteps(ro.maxSteps),
		WithWorkspace(t.workspaceDir),
		WithRunLogger(t.runLog),
		WithLogger(t.logger),
		WithTracer(t.tracer),
		WithTokenManager(t.tokens),
	)
	if err != nil {
		return RunOutput{}, fmt.Errorf("team %s: build leader: %w", t.config.Name, err)
	}

	out, runErr := leader.Run(ctx, message)

	t.persistLeaderRun(ctx, message, out, ro)
	return out, runErr
}

// loadHistory renders previous leader interactions, or "".
func (t *Team) loadHistory(ctx context.Context, ro teamRunOptions) string {
	if t.sessions == nil || ro.sessionID == "" {
		return ""
	}
	session, err := t.sessions.GetSession(ctx, ro.sessionID)
	if err != nil {
		t.logger.Warn("team session load failed", "session_id", ro.sessionID, "error", err)
		return ""
	}
	if session == nil {
		return ""
	}
	return session.HistoryContext(ro.historyRuns, defaultTeamHistoryChars, true)
}

// leaderSystemPrompt builds the structured leader prompt.
func (t *Team) leaderSystemPrompt(history string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the leader of a team of specialist agents. Coordinate your team to answer the user.\n\n")
	fmt.Fprintf(&b, "<team_name>\n%s\n</team_name>\n\n", t.config.Name)
	if t.config.Description != "" {
		fmt.Fprintf(&b, "<team_description>\n%s\n</team_description>\n\n", t.config.Description)
	}

	b.WriteString("<team_members>\n")
	for _, m := range t.config.Members {
		fmt.Fprintf(&b, "- id: %s\n  name: %s\n  role: %s\n", m.ID, m.Name, m.Role)
		if len(m.Tools) > 0 {
			fmt.Fprintf(&b, "  tools: %s\n", strings.Join(m.Tools, ", "))
		}
		if m.Instructions != "" {
			fmt.Fprintf(&b, "  instructions: %s\n", m.Instructions)
		}
	}
	b.WriteString("</team_members>\n\n")

	b.WriteString("<how_to_respond>\n")
	if t.config.DelegateToAll {
		fmt.Fprintf(&b, "Use the %s tool to send the task to every member at once. Review all their results, then synthesize a single final answer for the user.\n", BroadcastToolName)
	} else {
		fmt.Fprintf(&b, "Use the %s tool to assign tasks to the member best suited for each part of the request. You may delegate multiple tasks across members. When all results are in, synthesize a single final answer for the user.\n", DelegateToolName)
	}
	b.WriteString("Do not answer substantive questions yourself; your job is coordination and synthesis.\n")
	b.WriteString("</how_to_respond>\n")

	if t.config.LeaderInstructions != "" {
		fmt.Fprintf(&b, "\n<instructions>\n%s\n</instructions>\n", t.config.LeaderInstructions)
	}
	if history != "" {
		fmt.Fprintf(&b, "\n<previous_interactions>\n%s\n</previous_interactions>\n", history)
	}
	return b.String()
}

func (t *Team) persistLeaderRun(ctx context.Context, message string, out RunOutput, ro teamRunOptions) {
	if t.sessions == nil || ro.sessionID == "" {
		return
	}
	record := RunRecord{
		RunID:      out.RunID,
		RunnerType: RunnerTeamLeader,
		RunnerName: t.config.Name,
		UserID:     ro.userID,
		Message:    message,
		Response:   out.Response,
		Success:    out.Success(),
		Reason:     string(out.Reason),
		Steps:      out.Steps,
		Usage:      out.Usage,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.sessions.AddRun(ctx, ro.sessionID, t.config.Name, ro.userID, record); err != nil {
		t.logger.Warn("leader run persist failed", "session_id", ro.sessionID, "error", err)
	}
}

// runMember constructs and runs a member agent for one delegated task.
// parentRunID links the resulting RunRecord under the leader's run.
func (t *Team) runMember(ctx context.Context, m TeamMemberConfig, task, parentRunID string, ro teamRunOptions) (RunOutput, error) {
	// A spawn tool in the shared pool is skipped here; the member gets a
	// fresh instance below, bound to its own registry.
	tools := make([]Tool, 0, len(m.Tools))
	for _, tool := range t.baseTools.Filter(m.Tools).Tools() {
		if tool.Name() == SpawnToolName {
			continue
		}
		tools = append(tools, tool)
	}
	for _, name := range m.Tools {
		if name == SpawnToolName && t.spawnMaxDepth > 0 {
			tools = append(tools, NewSpawnAgentTool(t.client, nil,
				WithSpawnMaxDepth(t.spawnMaxDepth),
				WithSpawnWorkspace(t.workspaceDir),
				WithSpawnRunLogger(t.runLog),
				WithSpawnLogger(t.logger),
				WithSpawnTracer(t.tracer),
				WithSpawnTokenManager(t.tokens)))
			break
		}
	}

	prompt := fmt.Sprintf("You are %s, a %s.", m.Name, m.Role)
	if m.Instructions != "" {
		prompt += " " + m.Instructions
	}

	member, err := NewAgent(t.client,
		WithName(m.Name),
		WithSystemPrompt(prompt),
		WithTools(tools...),
		WithMaxSteps(t.memberMaxSteps),
		WithWorkspace(t.workspaceDir),
		WithRunLogger(t.runLog),
		WithLogger(t.logger),
		WithTracer(t.tracer),
		WithTokenManager(t.tokens),
	)
	if err != nil {
		return RunOutput{}, fmt.Errorf("build member %s: %w", m.ID, err)
	}

	out, runErr := member.Run(ctx, task, WithParentRun(parentRunID))

	if t.sessions != nil && ro.sessionID != "" {
		record := RunRecord{
			RunID:       out.RunID,
			ParentRunID: parentRunID,
			RunnerType:  RunnerMember,
			RunnerName:  m.Name,
			UserID:      ro.userID,
			Message:     task,
			Response:    out.Response,
			Success:     out.Success(),
			Reason:      string(out.Reason),
			Steps:       out.Steps,
			Usage:       out.Usage,
			CreatedAt:   time.Now().UTC(),
		}
		if err := t.sessions.AddRun(ctx, ro.sessionID, t.config.Name, ro.userID, record); err != nil {
			t.logger.Warn("member run persist failed", "member", m.ID, "error", err)
		}
	}
	return out, runErr
}

// teamRunState is shared by the delegation tools built for one team run.
type teamRunState struct {
	team *Team
	opts teamRunOptions
}

// delegateTool is the dynamically built single-member delegation tool.
type delegateTool struct {
	state *teamRunState
}

func (d *delegateTool) Name() string { return DelegateToolName }

func (d *delegateTool) Description() string {
	return fmt.Sprintf("Delegate a task to a specific team member. Available members: %s.",
		strings.Join(d.state.team.memberIDs(), ", "))
}

func (d *delegateTool) Parameters() json.RawMessage {
	ids, _ := json.Marshal(d.state.team.memberIDs())
	schema := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"member_id": {
				"type": "string",
				"enum": %s,
				"description": "The id of the member to delegate to."
			},
			"task": {
				"type": "string",
				"description": "The complete task for the member. Include all needed context; members cannot see your conversation."
			}
		},
		"required": ["member_id", "task"]
	}`, ids)
	return json.RawMessage(schema)
}

type delegateArgs struct {
	MemberID string `json:"member_id"`
	Task     string `json:"task"`
}

func (d *delegateTool) Execute(ctx context.Context, raw json.RawMessage) ToolResult {
	var args delegateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolFailure("Invalid delegation arguments: %v", err)
	}
	t := d.state.team
	m, ok := t.member(args.MemberID)
	if !ok {
		return ToolFailure("Unknown member id %q. Available members: %s",
			args.MemberID, strings.Join(t.memberIDs(), ", "))
	}
	if strings.TrimSpace(args.Task) == "" {
		return ToolFailure("Delegation requires a non-empty task")
	}

	parentRunID := ""
	if rc := runContextFrom(ctx); rc != nil {
		parentRunID = rc.RunID
	}

	t.logger.Info("delegating task", "member", m.ID, "parent_run_id", parentRunID)
	out, err := t.runMember(ctx, m, args.Task, parentRunID, d.state.opts)
	if err != nil || !out.Success() {
		reason := out.Response
		if err != nil {
			reason = err.Error()
		}
		return ToolSuccess(fmt.Sprintf("%s failed: %s", m.Name, reason))
	}
	return ToolSuccess(fmt.Sprintf("%s completed task:\n%s", m.Name, out.Response))
}

var _ Tool = (*delegateTool)(nil)

// broadcastTool runs every member on the same task sequentially in member
// order, so results are deterministic given the member list.
type broadcastTool struct {
	state *teamRunState
}

func (b *broadcastTool) Name() string { return BroadcastToolName }

func (b *broadcastTool) Description() string {
	return "Send the same task to every team member and collect all their results."
}

func (b *broadcastTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {
				"type": "string",
				"description": "The task every member will work on independently."
			}
		},
		"required": ["task"]
	}`)
}

type broadcastArgs struct {
	Task string `json:"task"`
}

func (b *broadcastTool) Execute(ctx context.Context, raw json.RawMessage) ToolResult {
	var args broadcastArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolFailure("Invalid broadcast arguments: %v", err)
	}
	if strings.TrimSpace(args.Task) == "" {
		return ToolFailure("Broadcast requires a non-empty task")
	}

	t := b.state.team
	parentRunID := ""
	if rc := runContextFrom(ctx); rc != nil {
		parentRunID = rc.RunID
	}

	results := make([]string, 0, len(t.config.Members))
	for _, m := range t.config.Members {
		out, err := t.runMember(ctx, m, args.Task, parentRunID, b.state.opts)
		if err != nil || !out.Success() {
			reason := out.Response
			if err != nil {
				reason = err.Error()
			}
			results = append(results, fmt.Sprintf("%s failed: %s", m.Name, reason))
			continue
		}
		results = append(results, fmt.Sprintf("%s completed task:\n%s", m.Name, out.Response))
	}
	return ToolSuccess(strings.Join(results, "\n\n"))
}

var _ Tool = (*broadcastTool)(nil)
