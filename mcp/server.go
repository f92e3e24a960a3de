package mcp

import (
	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/gitswarm/gitswarm/agent"
	"github.com/gitswarm/gitswarm/queue"
	"github.com/gitswarm/gitswarm/worktree"
)

const serverInstructions = "You are connected to gitswarm, a coordinator for parallel coding-agent " +
	"sessions. Each workspace is an isolated git worktree with at most one agent process. " +
	"All git-mutating commands are serialized per repository: submit them with enqueue_operation " +
	"and poll operation_status for the result instead of running git directly. " +
	"Use create_workspace to allocate a locked worktree and start an agent in it, " +
	"kill_agent to stop one, and list_worktrees to inspect checkout health."

// Server exposes the coordination core's contract surface as MCP stdio tools
// for the surrounding application.
type Server struct {
	server    *mcpserver.MCPServer
	queue     *queue.OperationQueue
	worktrees *worktree.Manager
	agents    *agent.Manager
	program   string
}

// NewServer creates an MCP server wired to the three managers. program is the
// default agent command for create_workspace.
func NewServer(q *queue.OperationQueue, wt *worktree.Manager, ag *agent.Manager, program, version string) *Server {
	s := mcpserver.NewMCPServer(
		"gitswarm",
		version,
		mcpserver.WithInstructions(serverInstructions),
	)

	srv := &Server{
		server:    s,
		queue:     q,
		worktrees: wt,
		agents:    ag,
		program:   program,
	}

	srv.registerAgentTools()
	srv.registerQueueTools()
	srv.registerWorktreeTools()

	Log("server created: tools registered")
	return srv
}

func (s *Server) registerAgentTools() {
	createWorkspace := gomcp.NewTool("create_workspace",
		gomcp.WithDescription(
			"Allocate a locked git worktree for a workspace and start an agent process in it. "+
				"Fails if a worktree already exists for the workspace branch.",
		),
		gomcp.WithString("repo_root",
			gomcp.Required(),
			gomcp.Description("Absolute path of the repository to branch from."),
		),
		gomcp.WithString("workspace_id",
			gomcp.Required(),
			gomcp.Description("Logical workspace id; the branch becomes workspace/<id>."),
		),
		gomcp.WithString("command",
			gomcp.Description("Agent command to run; defaults to the configured program."),
		),
	)
	s.server.AddTool(createWorkspace, s.handleCreateWorkspace())

	killAgent := gomcp.NewTool("kill_agent",
		gomcp.WithDescription("Terminate the agent process for a workspace. Idempotent."),
		gomcp.WithString("workspace_id",
			gomcp.Required(),
			gomcp.Description("Workspace whose agent should be killed."),
		),
	)
	s.server.AddTool(killAgent, s.handleKillAgent())

	listAgents := gomcp.NewTool("list_agents",
		gomcp.WithDescription("List all tracked agent processes, running and terminal."),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listAgents, s.handleListAgents())

	agentStatus := gomcp.NewTool("agent_status",
		gomcp.WithDescription(
			"Get the agent process for a workspace. Also detects agents wedged in the "+
				"starting state and marks them as errored.",
		),
		gomcp.WithString("workspace_id",
			gomcp.Required(),
			gomcp.Description("Workspace to inspect."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(agentStatus, s.handleAgentStatus())
}

func (s *Server) registerQueueTools() {
	enqueueOperation := gomcp.NewTool("enqueue_operation",
		gomcp.WithDescription(
			"Submit a git operation to the repository's serialized queue. Returns the "+
				"operation id immediately; poll operation_status for the result.",
		),
		gomcp.WithString("repo_root",
			gomcp.Required(),
			gomcp.Description("Repository root the operation is scoped to."),
		),
		gomcp.WithString("command",
			gomcp.Required(),
			gomcp.Description("Git action: status, commit, push, pull, rev-parse, branch-create, "+
				"branch-delete, worktree-add, worktree-remove, worktree-lock, worktree-unlock, "+
				"worktree-repair, worktree-prune, worktree-list."),
		),
		gomcp.WithString("args",
			gomcp.Description("Comma-separated extra arguments for the git command."),
		),
		gomcp.WithString("priority",
			gomcp.Description("critical, normal, or low. Defaults to normal."),
		),
	)
	s.server.AddTool(enqueueOperation, s.handleEnqueueOperation())

	operationStatus := gomcp.NewTool("operation_status",
		gomcp.WithDescription("Get the current state and result of a queued operation."),
		gomcp.WithString("operation_id",
			gomcp.Required(),
			gomcp.Description("Id returned by enqueue_operation."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(operationStatus, s.handleOperationStatus())

	cancelOperation := gomcp.NewTool("cancel_operation",
		gomcp.WithDescription(
			"Cancel a queued operation. Pending operations are removed with no side effects; "+
				"a running operation has its git process killed.",
		),
		gomcp.WithString("operation_id",
			gomcp.Required(),
			gomcp.Description("Id returned by enqueue_operation."),
		),
	)
	s.server.AddTool(cancelOperation, s.handleCancelOperation())
}

func (s *Server) registerWorktreeTools() {
	listWorktrees := gomcp.NewTool("list_worktrees",
		gomcp.WithDescription(
			"List the repository's worktrees with health classification: "+
				"healthy, orphaned, locked, or corrupted.",
		),
		gomcp.WithString("repo_root",
			gomcp.Required(),
			gomcp.Description("Repository root to list."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listWorktrees, s.handleListWorktrees())

	removeWorktree := gomcp.NewTool("remove_worktree",
		gomcp.WithDescription(
			"Unlock and remove a worktree, clearing any stale index.lock first. "+
				"Optionally deletes the branch.",
		),
		gomcp.WithString("repo_root",
			gomcp.Required(),
			gomcp.Description("Repository root owning the worktree."),
		),
		gomcp.WithString("path",
			gomcp.Required(),
			gomcp.Description("Worktree path to remove."),
		),
		gomcp.WithString("branch",
			gomcp.Description("Branch to delete along with the worktree."),
		),
	)
	s.server.AddTool(removeWorktree, s.handleRemoveWorktree())

	repairWorktrees := gomcp.NewTool("repair_worktrees",
		gomcp.WithDescription(
			"Repair the repository's worktrees: re-link administrative files, prune "+
				"bookkeeping for missing directories, and clear stale lock files.",
		),
		gomcp.WithString("repo_root",
			gomcp.Required(),
			gomcp.Description("Repository root to repair."),
		),
	)
	s.server.AddTool(repairWorktrees, s.handleRepairWorktrees())
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}
