package skillagent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TaskStatus is the lifecycle of one dependency task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskWithDependencies is one node of a dependency DAG submitted to
// Team.RunWithDependencies. IDs must be unique within one submission.
type TaskWithDependencies struct {
	ID         string         `json:"id"`
	Task       string         `json:"task"`
	AssignedTo string         `json:"assigned_to"` // member id or role
	DependsOn  []string       `json:"depends_on,omitempty"`
	Status     TaskStatus     `json:"status,omitempty"`
	Result     string         `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DependencyRunResult is the outcome of one dependency-graph execution.
// Tasks carries every submitted task with its final status and result.
type DependencyRunResult struct {
	RunID   string                 `json:"run_id"`
	Success bool                   `json:"success"`
	Tasks   []TaskWithDependencies `json:"tasks"`
	Usage   TokenUsage             `json:"usage"`
}

// validateDependencyGraph rejects duplicate ids, dangling references, and
// cycles before anything executes.
func validateDependencyGraph(tasks []TaskWithDependencies) error {
	if len(tasks) == 0 {
		return &ErrDependencyGraph{Message: "no tasks given"}
	}
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return &ErrDependencyGraph{Message: "task with empty id"}
		}
		if ids[t.ID] {
			return &ErrDependencyGraph{Message: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return &ErrDependencyGraph{Message: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
			}
			if dep == t.ID {
				return &ErrDependencyGraph{Message: fmt.Sprintf("task %q depends on itself", t.ID)}
			}
		}
	}
	// Kahn's algorithm: if layering cannot consume every task, a cycle exists.
	remaining := make(map[string]int, len(tasks))
	successors := make(map[string][]string)
	for _, t := range tasks {
		remaining[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			successors[dep] = append(successors[dep], t.ID)
		}
	}
	resolved := 0
	queue := make([]string, 0, len(tasks))
	for id, n := range remaining {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, succ := range successors[id] {
			remaining[succ]--
			if remaining[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if resolved != len(tasks) {
		cyclic := make([]string, 0)
		for id, n := range remaining {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return &ErrDependencyGraph{Message: "circular dependency involving tasks: " + strings.Join(cyclic, ", ")}
	}
	return nil
}

// memberForTask resolves AssignedTo against member ids first, then roles,
// then names.
func (t *Team) memberForTask(assignedTo string) (TeamMemberConfig, bool) {
	if m, ok := t.member(assignedTo); ok {
		return m, true
	}
	for _, m := range t.config.Members {
		if strings.EqualFold(m.Role, assignedTo) {
			return m, true
		}
	}
	for _, m := range t.config.Members {
		if strings.EqualFold(m.Name, assignedTo) {
			return m, true
		}
	}
	return TeamMemberConfig{}, false
}

// RunWithDependencies executes a DAG of member tasks in topological layers.
// Tasks within a layer run concurrently; a failure stops the run and marks
// every not-yet-started task skipped. Graph violations are returned as
// *ErrDependencyGraph before any task executes.
func (t *Team) RunWithDependencies(ctx context.Context, tasks []TaskWithDependencies, opts ...TeamRunOption) (DependencyRunResult, error) {
	ro := teamRunOptions{maxSteps: DefaultMaxSteps, historyRuns: DefaultTeamHistoryRuns}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := validateDependencyGraph(tasks); err != nil {
		return DependencyRunResult{}, err
	}
	for _, task := range tasks {
		if _, ok := t.memberForTask(task.AssignedTo); !ok {
			return DependencyRunResult{}, &ErrDependencyGraph{
				Message: fmt.Sprintf("task %q assigned to unknown member %q", task.ID, task.AssignedTo),
			}
		}
	}

	runID := NewID()
	if t.tracer != nil {
		var span Span
		ctx, span = t.tracer.Start(ctx, "team.run_dependencies",
			StringAttr("team.name", t.config.Name),
			StringAttr("run.id", runID),
			IntAttr("tasks", len(tasks)))
		defer span.End()
	}
	t.logger.Info("dependency run started", "run_id", runID, "tasks", len(tasks))

	// Working copies; submitted slice is not mutated.
	byID := make(map[string]*TaskWithDependencies, len(tasks))
	order := make([]string, 0, len(tasks))
	for i := range tasks {
		cp := tasks[i]
		cp.Status = TaskPending
		cp.Result = ""
		cp.Reason = ""
		byID[cp.ID] = &cp
		order = append(order, cp.ID)
	}

	results := make(map[string]string, len(tasks))
	var usage TokenUsage
	failed := false
	failedTaskID := ""

	for {
		layer := nextLayer(byID, order, results)
		if len(layer) == 0 {
			break
		}

		type taskOutcome struct {
			id  string
			out RunOutput
			err error
		}
		outcomes := make([]taskOutcome, len(layer))
		var wg sync.WaitGroup
		for i, id := range layer {
			task := byID[id]
			task.Status = TaskRunning
			wg.Add(1)
			go func(i int, task *TaskWithDependencies) {
				defer wg.Done()
				m, _ := t.memberForTask(task.AssignedTo)
				prompt := task.Task
				if block := dependencyResultsBlock(task.DependsOn, results); block != "" {
					prompt += "\n\n" + block
				}
				out, err := t.runMember(ctx, m, prompt, runID, ro)
				outcomes[i] = taskOutcome{id: task.ID, out: out, err: err}
			}(i, task)
		}
		wg.Wait()

		for _, oc := range outcomes {
			task := byID[oc.id]
			usage.Add(oc.out.Usage)
			if oc.err != nil || !oc.out.Success() {
				task.Status = TaskFailed
				switch {
				case oc.err != nil:
					task.Reason = oc.err.Error()
				case oc.out.Response != "":
					task.Reason = oc.out.Response
				default:
					task.Reason = "member returned an empty response"
				}
				if !failed {
					failedTaskID = task.ID
				}
				failed = true
				continue
			}
			task.Status = TaskCompleted
			task.Result = oc.out.Response
			results[task.ID] = oc.out.Response
		}
		if failed {
			break
		}
	}

	if failed {
		for _, id := range order {
			task := byID[id]
			if task.Status == TaskPending {
				task.Status = TaskSkipped
				task.Reason = "Skipped due to dependency failure: " + failedTaskID
			}
		}
	}

	final := make([]TaskWithDependencies, 0, len(order))
	for _, id := range order {
		final = append(final, *byID[id])
	}
	result := DependencyRunResult{RunID: runID, Success: !failed, Tasks: final, Usage: usage}

	t.persistDependencyRun(ctx, runID, result, ro)
	t.logger.Info("dependency run finished", "run_id", runID, "success", result.Success)
	return result, nil
}

// nextLayer returns pending tasks whose dependencies are all resolved.
func nextLayer(byID map[string]*TaskWithDependencies, order []string, results map[string]string) []string {
	layer := make([]string, 0)
	for _, id := range order {
		task := byID[id]
		if task.Status != TaskPending {
			continue
		}
		ready := true
		for _, dep := range task.DependsOn {
			if _, ok := results[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			layer = append(layer, id)
		}
	}
	return layer
}

// dependencyResultsBlock renders upstream results for injection into a
// dependent task's prompt.
func dependencyResultsBlock(dependsOn []string, results map[string]string) string {
	if len(dependsOn) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("依赖任务结果:\n")
	for _, dep := range dependsOn {
		fmt.Fprintf(&b, "[%s]: %s\n", dep, results[dep])
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *Team) persistDependencyRun(ctx context.Context, runID string, result DependencyRunResult, ro teamRunOptions) {
	if t.sessions == nil || ro.sessionID == "" {
		return
	}
	var b strings.Builder
	for _, task := range result.Tasks {
		fmt.Fprintf(&b, "[%s] %s: %s\n", task.ID, task.Status, firstNonEmpty(task.Result, task.Reason))
	}
	record := RunRecord{
		RunID:      runID,
		RunnerType: RunnerTeamDependency,
		RunnerName: t.config.Name,
		UserID:     ro.userID,
		Message:    fmt.Sprintf("dependency run with %d tasks", len(result.Tasks)),
		Response:   strings.TrimRight(b.String(), "\n"),
		Success:    result.Success,
		Usage:      result.Usage,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.sessions.AddRun(ctx, ro.sessionID, t.config.Name, ro.userID, record); err != nil {
		t.logger.Warn("dependency run persist failed", "run_id", runID, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
