package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/howardleegeek/opencrabs-sub001/internal/agent"
	"github.com/howardleegeek/opencrabs-sub001/internal/config"
	"github.com/howardleegeek/opencrabs-sub001/internal/gateway"
	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
	"github.com/howardleegeek/opencrabs-sub001/internal/memory"
	"github.com/howardleegeek/opencrabs-sub001/internal/store"
	"github.com/howardleegeek/opencrabs-sub001/internal/tools"
)

// Runner is the slice of the agent the CLI drives, split out so tests
// can substitute a fake.
type Runner interface {
	SendMessage(ctx context.Context, sessionID, text string) (*agent.Reply, error)
}

// RunnerFactory builds a Runner plus the session id to talk to and a
// cleanup func.
type RunnerFactory func(cfg *config.Config, opts AgentOptions) (Runner, string, func(), error)

// AgentOptions carry injectable dependencies for testing.
type AgentOptions struct {
	RunnerFactory RunnerFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func defaultRunnerFactory(cfg *config.Config, opts AgentOptions) (Runner, string, func(), error) {
	if cfg.Provider.APIKey == "" {
		return nil, "", nil, fmt.Errorf("API key not set. Run 'opencrabs onboard' or set OPENCRABS_API_KEY / ANTHROPIC_API_KEY")
	}

	provider, err := llm.NewProvider(cfg.Provider.Type, cfg.Provider.APIKey, cfg.Provider.BaseURL)
	if err != nil {
		return nil, "", nil, err
	}

	st, err := store.Open(config.DBPath())
	if err != nil {
		return nil, "", nil, fmt.Errorf("open store: %w", err)
	}

	session, err := st.FindSessionByName(config.DefaultSessionName)
	if errors.Is(err, store.ErrNotFound) {
		session, err = st.CreateSession(config.DefaultSessionName, cfg.Agent.Model)
	}
	if err != nil {
		_ = st.Close()
		return nil, "", nil, fmt.Errorf("resolve session: %w", err)
	}

	svc := agent.NewService(provider, st, tools.NewDefaultRegistry(cfg.Agent.Workspace)).
		WithModel(cfg.Agent.Model).
		WithWorkDir(cfg.Agent.Workspace).
		WithMemory(memory.NewStore(cfg.Agent.Workspace)).
		WithAutoApprove(cfg.Agent.AutoApprove).
		WithMaxIterations(cfg.Agent.MaxToolIterations).
		WithMaxTokens(cfg.Agent.MaxTokens).
		WithExecTimeout(time.Duration(cfg.Tools.ExecTimeout) * time.Second).
		WithUnrestrictedPaths(!cfg.Tools.RestrictToWorkspace).
		WithApprover(stdinApprover(opts.Stdin, opts.Stdout)).
		WithProgress(&consoleProgress{out: opts.Stdout})
	if cfg.Agent.SystemPrompt != "" {
		svc = svc.WithBrain(cfg.Agent.SystemPrompt)
	}

	return svc, session.ID, func() { _ = st.Close() }, nil
}

// stdinApprover asks for a y/n decision on the terminal.
func stdinApprover(in io.Reader, out io.Writer) agent.Approver {
	reader := bufio.NewReader(in)
	return agent.ApproverFunc(func(ctx context.Context, req agent.ApprovalRequest) (bool, error) {
		fmt.Fprintf(out, "\nTool %s (%s) wants to run:\n  %s\nAllow? [y/N] ",
			req.ToolName, strings.Join(req.Capabilities, ","), string(req.Input))
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}

// consoleProgress prints tool activity while a turn runs.
type consoleProgress struct {
	out io.Writer
}

func (p *consoleProgress) OnThinking() {}

func (p *consoleProgress) OnTextChunk(chunk string) {}

func (p *consoleProgress) OnIntermediateText(text string) {
	fmt.Fprintln(p.out, text)
}

func (p *consoleProgress) OnToolStart(name, input string) {
	fmt.Fprintf(p.out, "  ~ %s %s\n", name, truncate(input, 80))
}

func (p *consoleProgress) OnToolComplete(name string, success bool, summary string) {
	mark := "ok"
	if !success {
		mark = "failed"
	}
	fmt.Fprintf(p.out, "  ~ %s %s: %s\n", name, mark, truncate(summary, 80))
}

func (p *consoleProgress) OnCompactionStart(reason string) {
	fmt.Fprintf(p.out, "  ~ compacting conversation (%s)...\n", reason)
}

func (p *consoleProgress) OnCompactionSummary(summary string) {}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var rootCmd = &cobra.Command{
	Use:   "opencrabs",
	Short: "opencrabs - personal AI agent runtime",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent in single message or REPL mode",
	RunE:  runAgentCmd,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + cron)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show opencrabs status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgentCmd(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	factory := opts.RunnerFactory
	if factory == nil {
		factory = defaultRunnerFactory
	}

	runner, sessionID, cleanup, err := factory(cfg, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()

	if messageFlag != "" {
		reply, err := runner.SendMessage(ctx, sessionID, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		if reply != nil {
			fmt.Fprintln(opts.Stdout, reply.Text)
		}
		return nil
	}

	fmt.Fprintln(opts.Stdout, "opencrabs agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := runner.SendMessage(ctx, sessionID, input)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			continue
		}
		if reply != nil {
			fmt.Fprintln(opts.Stdout, reply.Text)
		}
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'opencrabs onboard' or set OPENCRABS_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(filepath.Join(ws, "memory"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(filepath.Join(ws, "memory", "MEMORY.md"), "")

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set OPENCRABS_API_KEY environment variable")
	fmt.Println("  3. Run 'opencrabs agent -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Cron: enabled=%v\n", cfg.Cron.Enabled)

	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Println("Workspace: not found (run 'opencrabs onboard')")
	} else {
		mem := memory.NewStore(cfg.Agent.Workspace)
		lt, _ := mem.ReadLongTerm()
		if lt != "" {
			fmt.Printf("Memory: %d bytes\n", len(lt))
		} else {
			fmt.Println("Memory: empty")
		}
	}

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# opencrabs Agent

You are opencrabs, a personal AI agent.

You have access to tools for file operations and command execution.
Use them to help the user accomplish tasks.

## Guidelines
- Be concise and helpful
- Use tools proactively when needed
- Remember information the user tells you by writing to memory
- Check your memory context for previously stored information
`
