package skillagent

import (
	"fmt"
	"strings"
	"time"
)

// RunnerType distinguishes who produced a RunRecord.
type RunnerType string

const (
	RunnerAgent          RunnerType = "agent"
	RunnerTeamLeader     RunnerType = "team_leader"
	RunnerMember         RunnerType = "member"
	RunnerTeamDependency RunnerType = "team_dependency"
)

// RunRecord is one completed run within a session.
type RunRecord struct {
	RunID       string     `json:"run_id"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	RunnerType  RunnerType `json:"runner_type"`
	RunnerName  string     `json:"runner_name,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Message     string     `json:"message"`
	Response    string     `json:"response"`
	Success     bool       `json:"success"`
	Reason      string     `json:"reason,omitempty"`
	Steps       int        `json:"steps,omitempty"`
	Usage       TokenUsage `json:"usage,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AgentSession is the ordered run log for one agent conversation.
type AgentSession struct {
	SessionID string      `json:"session_id"`
	AgentName string      `json:"agent_name,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Runs      []RunRecord `json:"runs"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TeamSession is the ordered run log for one team conversation. It holds
// leader runs and their delegated member runs in one flat list linked by
// ParentRunID.
type TeamSession struct {
	SessionID string      `json:"session_id"`
	TeamName  string      `json:"team_name,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Runs      []RunRecord `json:"runs"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// smartCompress bounds a response to maxChars keeping the head (70% of the
// budget) and tail (20%), joined by an omission marker carrying the elided
// length.
func smartCompress(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	head := maxChars * 7 / 10
	tail := maxChars * 2 / 10
	omitted := len(runes) - head - tail
	return fmt.Sprintf("%s\n[... 中间内容已省略，共 %d 字符 ...]\n%s",
		string(runes[:head]), omitted, string(runes[len(runes)-tail:]))
}

// hardTruncate bounds a string to maxChars with an ellipsis.
func hardTruncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}

// lastRuns returns the trailing n records, or all when n <= 0 or exceeds
// the record count.
func lastRuns(runs []RunRecord, n int) []RunRecord {
	if n <= 0 || n >= len(runs) {
		return runs
	}
	return runs[len(runs)-n:]
}

// HistoryMessages renders the last numRuns runs as alternating user and
// assistant messages for seeding a new agent turn. When smartCompressOn is
// set, assistant responses over maxResponseChars keep their head and tail
// around an omission marker; otherwise they are hard-truncated.
func (s *AgentSession) HistoryMessages(numRuns, maxResponseChars int, smartCompressOn bool) []Message {
	runs := lastRuns(s.Runs, numRuns)
	out := make([]Message, 0, len(runs)*2)
	for _, r := range runs {
		resp := r.Response
		if smartCompressOn {
			resp = smartCompress(resp, maxResponseChars)
		} else {
			resp = hardTruncate(resp, maxResponseChars)
		}
		out = append(out, UserMessage(r.Message), AssistantMessage(resp))
	}
	return out
}

// HistoryContext renders the last numRuns runs as an XML-tagged text block
// for injection into a system prompt.
func (s *AgentSession) HistoryContext(numRuns, maxChars int, truncateResponse bool) string {
	return renderHistoryBlock("conversation_history", lastRuns(s.Runs, numRuns), maxChars, truncateResponse)
}

// LeaderRuns filters to runs produced by the team's coordinator agent.
func (s *TeamSession) LeaderRuns() []RunRecord {
	out := make([]RunRecord, 0, len(s.Runs))
	for _, r := range s.Runs {
		if r.RunnerType == RunnerTeamLeader || r.RunnerType == RunnerTeamDependency {
			out = append(out, r)
		}
	}
	return out
}

// HistoryContext renders the last numRuns leader runs as a <team_history>
// block. Member runs are excluded: delegation detail is noise at this level.
func (s *TeamSession) HistoryContext(numRuns, maxChars int, truncateResponse bool) string {
	return renderHistoryBlock("team_history", lastRuns(s.LeaderRuns(), numRuns), maxChars, truncateResponse)
}

func renderHistoryBlock(tag string, runs []RunRecord, maxChars int, truncateResponse bool) string {
	if len(runs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>\n", tag)
	for i, r := range runs {
		resp := r.Response
		if truncateResponse {
			resp = hardTruncate(resp, maxChars)
		}
		fmt.Fprintf(&b, "Round %d:\n", i+1)
		fmt.Fprintf(&b, "User: %s\n", r.Message)
		fmt.Fprintf(&b, "Assistant: %s\n", resp)
	}
	fmt.Fprintf(&b, "</%s>", tag)
	return b.String()
}
