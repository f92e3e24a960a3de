package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/gitswarm/gitswarm/agent"
	"github.com/gitswarm/gitswarm/queue"
	"github.com/gitswarm/gitswarm/worktree"
)

// workspaceView is the JSON representation returned by create_workspace.
type workspaceView struct {
	Worktree worktree.Info `json:"worktree"`
	Health   string        `json:"worktree_health"`
	Agent    agentView     `json:"agent"`
}

// agentView is the JSON representation of a supervised process.
type agentView struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspace_id"`
	PID          int    `json:"pid"`
	WorktreePath string `json:"worktree_path"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	CanRestart   bool   `json:"can_restart"`
	Err          string `json:"error,omitempty"`
}

func toAgentView(p agent.Process) agentView {
	return agentView{
		ID:           p.ID,
		WorkspaceID:  p.WorkspaceID,
		PID:          p.PID,
		WorktreePath: p.WorktreePath,
		Status:       p.Status.String(),
		StartedAt:    p.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		CanRestart:   p.CanRestart,
		Err:          p.Err,
	}
}

// worktreeView adds the derived health string to the listing JSON.
type worktreeView struct {
	worktree.Info
	Health string `json:"health"`
}

// operationView is the JSON representation of a queued operation.
type operationView struct {
	queue.Operation
	StatusName string `json:"status_name"`
	Priority   string `json:"priority_name"`
}

func toOperationView(op queue.Operation) operationView {
	return operationView{
		Operation:  op,
		StatusName: op.Status.String(),
		Priority:   op.Priority.String(),
	}
}

func jsonResult(v any) *gomcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error())
	}
	return gomcp.NewToolResultText(string(data))
}

func (s *Server) handleCreateWorkspace() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		repoRoot := req.GetString("repo_root", "")
		workspaceID := req.GetString("workspace_id", "")
		command := req.GetString("command", s.program)
		if repoRoot == "" || workspaceID == "" {
			return gomcp.NewToolResultError("missing required parameters: repo_root, workspace_id"), nil
		}
		Log("tool call: create_workspace (repo=%s workspace=%s)", repoRoot, workspaceID)

		info, err := s.worktrees.Create(repoRoot, workspaceID)
		if err != nil {
			if errors.Is(err, worktree.ErrDuplicateWorktree) {
				return gomcp.NewToolResultError("duplicate worktree: " + err.Error()), nil
			}
			return gomcp.NewToolResultError("failed to create worktree: " + err.Error()), nil
		}

		proc, err := s.agents.Spawn(workspaceID, info.Path, command)
		if err != nil {
			// The worktree exists but no agent runs in it; leave it for the
			// caller to retry or remove rather than tearing it down.
			return gomcp.NewToolResultError("worktree created but agent spawn failed: " + err.Error()), nil
		}

		return jsonResult(workspaceView{
			Worktree: *info,
			Health:   info.Health.String(),
			Agent:    toAgentView(proc),
		}), nil
	}
}

func (s *Server) handleKillAgent() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		workspaceID := req.GetString("workspace_id", "")
		if workspaceID == "" {
			return gomcp.NewToolResultError("missing required parameter: workspace_id"), nil
		}
		Log("tool call: kill_agent (workspace=%s)", workspaceID)
		if err := s.agents.Kill(workspaceID); err != nil {
			return gomcp.NewToolResultError("failed to kill agent: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("agent killed"), nil
	}
}

func (s *Server) handleListAgents() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: list_agents")
		procs := s.agents.List()
		views := make([]agentView, 0, len(procs))
		for _, p := range procs {
			views = append(views, toAgentView(p))
		}
		if len(views) == 0 {
			return gomcp.NewToolResultText("No agent processes tracked."), nil
		}
		return jsonResult(views), nil
	}
}

func (s *Server) handleAgentStatus() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		workspaceID := req.GetString("workspace_id", "")
		if workspaceID == "" {
			return gomcp.NewToolResultError("missing required parameter: workspace_id"), nil
		}
		Log("tool call: agent_status (workspace=%s)", workspaceID)
		proc, err := s.agents.Status(workspaceID)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(toAgentView(proc)), nil
	}
}

func (s *Server) handleEnqueueOperation() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		repoRoot := req.GetString("repo_root", "")
		commandArg := req.GetString("command", "")
		if repoRoot == "" || commandArg == "" {
			return gomcp.NewToolResultError("missing required parameters: repo_root, command"), nil
		}

		command, ok := queue.ParseCommand(commandArg)
		if !ok {
			return gomcp.NewToolResultError("unsupported command: " + commandArg), nil
		}

		var args []string
		if argsArg := req.GetString("args", ""); argsArg != "" {
			for _, a := range strings.Split(argsArg, ",") {
				if trimmed := strings.TrimSpace(a); trimmed != "" {
					args = append(args, trimmed)
				}
			}
		}
		priority := queue.ParsePriority(req.GetString("priority", "normal"))

		Log("tool call: enqueue_operation (repo=%s command=%s priority=%s)", repoRoot, command, priority)
		id := s.queue.Enqueue(repoRoot, command, args, priority)
		return jsonResult(map[string]string{"operation_id": id}), nil
	}
}

func (s *Server) handleOperationStatus() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetString("operation_id", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: operation_id"), nil
		}
		op, err := s.queue.Status(id)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(toOperationView(op)), nil
	}
}

func (s *Server) handleCancelOperation() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id := req.GetString("operation_id", "")
		if id == "" {
			return gomcp.NewToolResultError("missing required parameter: operation_id"), nil
		}
		Log("tool call: cancel_operation (id=%s)", id)
		cancelled := s.queue.Cancel(id)
		return jsonResult(map[string]bool{"cancelled": cancelled}), nil
	}
}

func (s *Server) handleListWorktrees() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		repoRoot := req.GetString("repo_root", "")
		if repoRoot == "" {
			return gomcp.NewToolResultError("missing required parameter: repo_root"), nil
		}
		Log("tool call: list_worktrees (repo=%s)", repoRoot)
		infos, err := s.worktrees.List(repoRoot)
		if err != nil {
			return gomcp.NewToolResultError("failed to list worktrees: " + err.Error()), nil
		}
		views := make([]worktreeView, 0, len(infos))
		for _, info := range infos {
			views = append(views, worktreeView{Info: info, Health: info.Health.String()})
		}
		if len(views) == 0 {
			return gomcp.NewToolResultText("No worktrees found for this repository."), nil
		}
		return jsonResult(views), nil
	}
}

func (s *Server) handleRemoveWorktree() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		repoRoot := req.GetString("repo_root", "")
		path := req.GetString("path", "")
		branch := req.GetString("branch", "")
		if repoRoot == "" || path == "" {
			return gomcp.NewToolResultError("missing required parameters: repo_root, path"), nil
		}
		Log("tool call: remove_worktree (repo=%s path=%s)", repoRoot, path)
		if err := s.worktrees.Remove(repoRoot, path, branch); err != nil {
			return gomcp.NewToolResultError("failed to remove worktree: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("worktree removed"), nil
	}
}

func (s *Server) handleRepairWorktrees() mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		repoRoot := req.GetString("repo_root", "")
		if repoRoot == "" {
			return gomcp.NewToolResultError("missing required parameter: repo_root"), nil
		}
		Log("tool call: repair_worktrees (repo=%s)", repoRoot)
		if err := s.worktrees.Repair(repoRoot); err != nil {
			return gomcp.NewToolResultError("repair finished with errors: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("repair completed"), nil
	}
}
