package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/agent"
	"github.com/gitswarm/gitswarm/config"
	"github.com/gitswarm/gitswarm/log"
	"github.com/gitswarm/gitswarm/mcp"
	"github.com/gitswarm/gitswarm/queue"
	"github.com/gitswarm/gitswarm/worktree"
)

var version = "0.1.0"

// core bundles the three managers built from one config.
type core struct {
	cfg       *config.Config
	queue     *queue.OperationQueue
	worktrees *worktree.Manager
	agents    *agent.Manager
}

func buildCore() (*core, error) {
	cfg := config.LoadConfig()
	baseDir, err := config.GetWorktreeBaseDir()
	if err != nil {
		return nil, err
	}

	q := queue.NewOperationQueue(nil, time.Duration(cfg.OperationTimeoutSecs)*time.Second)
	wt := worktree.NewManager(q, cfg, baseDir)
	ag := agent.NewManager(cfg.MaxAgents, time.Duration(cfg.AgentStartupTimeoutSecs)*time.Second, wt)
	return &core{cfg: cfg, queue: q, worktrees: wt, agents: ag}, nil
}

var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "gitswarm - coordinator for parallel coding-agent sessions",
	Long: "gitswarm manages isolated git worktrees for concurrent coding-agent sessions,\n" +
		"serializes git operations per repository, and supervises agent processes under\n" +
		"a concurrency cap. The default command serves the control surface over MCP stdio.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Initialize()
		defer log.Close()

		c, err := buildCore()
		if err != nil {
			return err
		}

		// Startup self-healing: convert crash-time inconsistency into a
		// known-good state before any workspace becomes usable.
		if err := c.worktrees.RepairAll(); err != nil {
			log.WarningLog.Printf("startup repair reported errors: %v", err)
		}

		mcp.SetLogger(log.InfoLog)
		srv := mcp.NewServer(c.queue, c.worktrees, c.agents, c.cfg.DefaultProgram, version)
		return srv.Serve()
	},
}

var worktreesCmd = &cobra.Command{
	Use:   "worktrees [repo_path]",
	Short: "List a repository's worktrees with health classification",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Initialize()
		defer log.Close()

		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		repoRoot, err := worktree.FindGitRepoRoot(path)
		if err != nil {
			return err
		}

		c, err := buildCore()
		if err != nil {
			return err
		}
		infos, err := c.worktrees.List(repoRoot)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no worktrees")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%-10s %-30s %s\n", info.Health, info.Branch, info.Path)
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair [repo_path]",
	Short: "Repair worktrees for one repository, or all known repositories",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Initialize()
		defer log.Close()

		c, err := buildCore()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return c.worktrees.RepairAll()
		}
		repoRoot, err := worktree.FindGitRepoRoot(args[0])
		if err != nil {
			return err
		}
		return c.worktrees.Repair(repoRoot)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitswarm version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(worktreesCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, filepath.Base(os.Args[0])+": "+err.Error())
		os.Exit(1)
	}
}
