package skillagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func researchTeamConfig() TeamConfig {
	return TeamConfig{
		Name:        "research-team",
		Description: "Answers research questions.",
		Members: []TeamMemberConfig{
			{ID: "analyst", Name: "Analyst", Role: "data analyst", Tools: []string{"echo"}},
			{ID: "writer", Name: "Writer", Role: "technical writer", Instructions: "Write plainly."},
		},
	}
}

func delegateCall(memberID, task string) LLMResponse {
	args, _ := json.Marshal(map[string]string{"member_id": memberID, "task": task})
	return LLMResponse{ToolCalls: []ToolCall{{ID: "call_1", Name: DelegateToolName, Args: args}}}
}

func TestNewTeamValidation(t *testing.T) {
	client := &mockLLM{}
	if _, err := NewTeam(researchTeamConfig(), nil); err == nil {
		t.Error("nil client accepted")
	}
	if _, err := NewTeam(TeamConfig{Members: researchTeamConfig().Members}, client); err == nil {
		t.Error("missing name accepted")
	}
	if _, err := NewTeam(TeamConfig{Name: "t"}, client); err == nil {
		t.Error("empty member list accepted")
	}
	dup := TeamConfig{Name: "t", Members: []TeamMemberConfig{{ID: "a"}, {ID: "a"}}}
	if _, err := NewTeam(dup, client); err == nil {
		t.Error("duplicate member id accepted")
	}
}

func TestTeamDelegationFlow(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		delegateCall("analyst", "crunch the numbers"), // leader step 1
		{Content: "numbers crunched"},                 // analyst run
		{Content: "final synthesis"},                  // leader step 2
	}}
	team, err := NewTeam(researchTeamConfig(), client, WithTeamTools(echoTool{}))
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	out, err := team.Run(context.Background(), "what do the numbers say?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "final synthesis" {
		t.Errorf("response = %q", out.Response)
	}

	// Member request: specialist prompt plus the delegated task.
	memberReq := client.request(1)
	if !strings.Contains(memberReq.Messages[0].Content, "You are Analyst, a data analyst.") {
		t.Errorf("member prompt = %q", memberReq.Messages[0].Content)
	}
	if memberReq.Messages[len(memberReq.Messages)-1].Content != "crunch the numbers" {
		t.Errorf("member task = %q", memberReq.Messages[len(memberReq.Messages)-1].Content)
	}
	// Member only carries its declared tools.
	if len(memberReq.Tools) != 1 || memberReq.Tools[0].Name != "echo" {
		t.Errorf("member tools = %+v", memberReq.Tools)
	}

	// Leader's second step sees the member result.
	leaderReq := client.request(2)
	last := leaderReq.Messages[len(leaderReq.Messages)-1]
	if !strings.Contains(last.Content, "Analyst completed task:\nnumbers crunched") {
		t.Errorf("delegation result = %q", last.Content)
	}
}

func TestTeamUnknownMember(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		delegateCall("nobody", "do something"),
		{Content: "recovered"},
	}}
	team, err := NewTeam(researchTeamConfig(), client)
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	if _, err := team.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := client.request(1).Messages[len(client.request(1).Messages)-1]
	if !strings.Contains(last.Content, `Unknown member id "nobody". Available members: analyst, writer`) {
		t.Errorf("unknown-member message = %q", last.Content)
	}
}

func TestTeamMemberFailureReported(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		delegateCall("writer", "write it"),
		{Content: ""}, // member returns empty: not a success
		{Content: "leader wraps up"},
	}}
	team, err := NewTeam(researchTeamConfig(), client)
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	if _, err := team.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := client.request(2).Messages[len(client.request(2).Messages)-1]
	if !strings.Contains(last.Content, "Writer failed:") {
		t.Errorf("failure report = %q", last.Content)
	}
}

func TestTeamBroadcast(t *testing.T) {
	cfg := researchTeamConfig()
	cfg.DelegateToAll = true

	args, _ := json.Marshal(map[string]string{"task": "everyone weigh in"})
	client := &mockLLM{responses: []LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: BroadcastToolName, Args: args}}},
		{Content: "analyst view"}, // member order: analyst first
		{Content: "writer view"},
		{Content: "combined"},
	}}
	team, err := NewTeam(cfg, client)
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	out, err := team.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "combined" {
		t.Errorf("response = %q", out.Response)
	}

	last := client.request(3).Messages[len(client.request(3).Messages)-1]
	want := "Analyst completed task:\nanalyst view\n\nWriter completed task:\nwriter view"
	if last.Content != want {
		t.Errorf("broadcast result = %q, want %q", last.Content, want)
	}
}

func TestTeamMemberSpawnToolFromPool(t *testing.T) {
	client := &mockLLM{responses: []LLMResponse{
		delegateCall("analyst", "dig deeper"),
		{Content: "dug deep"},
		{Content: "leader wraps up"},
	}}
	cfg := researchTeamConfig()
	cfg.Members[0].Tools = []string{"echo", SpawnToolName}

	// The pool carrying its own spawn instance must not collide with the
	// fresh one built per member.
	team, err := NewTeam(cfg, client,
		WithTeamTools(echoTool{}, NewSpawnAgentTool(client, nil)))
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	if _, err := team.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	memberReq := client.request(1)
	spawnCount := 0
	for _, def := range memberReq.Tools {
		if def.Name == SpawnToolName {
			spawnCount++
		}
	}
	if spawnCount != 1 {
		t.Errorf("member spawn tools = %d, want 1 (tools: %+v)", spawnCount, memberReq.Tools)
	}

	last := client.request(2).Messages[len(client.request(2).Messages)-1]
	if !strings.Contains(last.Content, "Analyst completed task:\ndug deep") {
		t.Errorf("delegation result = %q", last.Content)
	}
}

func TestTeamHistoryResponseTruncated(t *testing.T) {
	store := NewMemorySessionStore()
	sessions := NewTeamSessionManager(store, nil)
	ctx := context.Background()

	long := strings.Repeat("r", 600)
	if err := sessions.AddRun(ctx, "ts1", "research-team", "u1", RunRecord{
		RunID:      NewID(),
		RunnerType: RunnerTeamLeader,
		RunnerName: "research-team",
		Message:    "earlier question",
		Response:   long,
		Success:    true,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AddRun: %v", err)
	}

	client := &mockLLM{responses: []LLMResponse{{Content: "fresh answer"}}}
	team, err := NewTeam(researchTeamConfig(), client, WithTeamSessionManager(sessions))
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}
	if _, err := team.Run(ctx, "new question", WithTeamSession("ts1", "u1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompt := client.request(0).Messages[0].Content
	if !strings.Contains(prompt, strings.Repeat("r", 500)+"...") {
		t.Error("history response not truncated at 500 chars")
	}
	if strings.Contains(prompt, strings.Repeat("r", 501)) {
		t.Error("history response carries more than 500 chars")
	}
}

func TestLeaderSystemPromptSections(t *testing.T) {
	cfg := researchTeamConfig()
	cfg.LeaderInstructions = "Prefer the analyst for numeric work."
	team, err := NewTeam(cfg, &mockLLM{})
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	prompt := team.leaderSystemPrompt("<team_history>\nRound 1:\nUser: hi\nAssistant: hello\n</team_history>")
	for _, want := range []string{
		"<team_name>\nresearch-team\n</team_name>",
		"<team_description>",
		"- id: analyst\n  name: Analyst\n  role: data analyst",
		"tools: echo",
		"instructions: Write plainly.",
		"<how_to_respond>",
		DelegateToolName,
		"<instructions>\nPrefer the analyst for numeric work.\n</instructions>",
		"<previous_interactions>",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("leader prompt missing %q", want)
		}
	}
}

func TestTeamSessionRecordsLinked(t *testing.T) {
	store := NewMemorySessionStore()
	sessions := NewTeamSessionManager(store, nil)

	client := &mockLLM{responses: []LLMResponse{
		delegateCall("analyst", "task"),
		{Content: "member answer"},
		{Content: "leader answer"},
	}}
	team, err := NewTeam(researchTeamConfig(), client,
		WithTeamTools(echoTool{}),
		WithTeamSessionManager(sessions))
	if err != nil {
		t.Fatalf("NewTeam: %v", err)
	}

	ctx := context.Background()
	out, err := team.Run(ctx, "question", WithTeamSession("ts1", "u1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	s, err := sessions.GetSession(ctx, "ts1")
	if err != nil || s == nil {
		t.Fatalf("GetSession: %v %v", s, err)
	}
	if len(s.Runs) != 2 {
		t.Fatalf("runs = %+v", s.Runs)
	}

	var member, leader *RunRecord
	for i := range s.Runs {
		switch s.Runs[i].RunnerType {
		case RunnerMember:
			member = &s.Runs[i]
		case RunnerTeamLeader:
			leader = &s.Runs[i]
		}
	}
	if member == nil || leader == nil {
		t.Fatalf("runner types = %+v", s.Runs)
	}
	if leader.RunID != out.RunID {
		t.Errorf("leader run id = %q, want %q", leader.RunID, out.RunID)
	}
	if member.ParentRunID != leader.RunID {
		t.Errorf("member parent = %q, leader = %q", member.ParentRunID, leader.RunID)
	}
	if member.RunnerName != "Analyst" || member.Response != "member answer" {
		t.Errorf("member record = %+v", member)
	}
}
