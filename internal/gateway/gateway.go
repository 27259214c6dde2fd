package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/howardleegeek/opencrabs-sub001/internal/agent"
	"github.com/howardleegeek/opencrabs-sub001/internal/bus"
	"github.com/howardleegeek/opencrabs-sub001/internal/channel"
	"github.com/howardleegeek/opencrabs-sub001/internal/config"
	"github.com/howardleegeek/opencrabs-sub001/internal/cron"
	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
	"github.com/howardleegeek/opencrabs-sub001/internal/memory"
	"github.com/howardleegeek/opencrabs-sub001/internal/store"
	"github.com/howardleegeek/opencrabs-sub001/internal/tools"
)

// Agent is the slice of the agent service the gateway drives, split
// out so tests can substitute a fake.
type Agent interface {
	SendMessageBlocks(ctx context.Context, sessionID, text string, blocks []llm.ContentBlock) (*agent.Reply, error)
}

// AgentFactory builds the Agent the gateway runs turns through.
type AgentFactory func(cfg *config.Config, st *store.Store, b *bus.MessageBus) (Agent, error)

// Options customize gateway construction, mainly for tests.
type Options struct {
	AgentFactory AgentFactory
	SignalChan   chan os.Signal
	StorePath    string
}

func defaultAgentFactory(cfg *config.Config, st *store.Store, b *bus.MessageBus) (Agent, error) {
	provider, err := llm.NewProvider(cfg.Provider.Type, cfg.Provider.APIKey, cfg.Provider.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	registry := tools.NewDefaultRegistry(cfg.Agent.Workspace)

	svc := agent.NewService(provider, st, registry).
		WithModel(cfg.Agent.Model).
		WithWorkDir(cfg.Agent.Workspace).
		WithMemory(memory.NewStore(cfg.Agent.Workspace)).
		WithAutoApprove(cfg.Agent.AutoApprove).
		WithMaxIterations(cfg.Agent.MaxToolIterations).
		WithMaxTokens(cfg.Agent.MaxTokens).
		WithExecTimeout(time.Duration(cfg.Tools.ExecTimeout) * time.Second).
		WithUnrestrictedPaths(!cfg.Tools.RestrictToWorkspace).
		WithQueuePoller(busPoller{bus: b})
	if cfg.Agent.SystemPrompt != "" {
		svc = svc.WithBrain(cfg.Agent.SystemPrompt)
	}
	return svc, nil
}

// busPoller adapts the message bus follow-up queue to the agent's
// between-iterations poll.
type busPoller struct {
	bus *bus.MessageBus
}

func (p busPoller) Poll(ctx context.Context, sessionID string) (string, bool, error) {
	text, ok := p.bus.PollFollowUp(sessionID)
	return text, ok, nil
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	store    *store.Store
	agent    Agent
	channels *channel.ChannelManager
	cron     *cron.Service

	signalChan chan os.Signal

	busyMu sync.Mutex
	busy   map[string]bool

	sessionMu sync.Mutex
	sessions  map[string]string // session key -> session id
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(bus.DefaultBufSize),
		busy:       make(map[string]bool),
		sessions:   make(map[string]string),
		signalChan: opts.SignalChan,
	}

	dbPath := opts.StorePath
	if dbPath == "" {
		dbPath = config.DBPath()
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	factory := opts.AgentFactory
	if factory == nil {
		factory = defaultAgentFactory
	}
	ag, err := factory(cfg, st, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	g.agent = ag

	jobsPath := cfg.Cron.JobsPath
	if jobsPath == "" {
		jobsPath = filepath.Join(config.ConfigDir(), "cron", "jobs.json")
	}
	g.cron = cron.NewService(jobsPath)
	g.cron.OnJob = g.runCronJob

	chMgr, err := channel.NewChannelManager(cfg, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Run starts everything and blocks until SIGINT or SIGTERM.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.cfg.Cron.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			log.Printf("[gateway] cron start warning: %v", err)
		}
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound runs the turn for a message, or queues it as a
// follow-up when a turn for the same session is already running.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey()
	sessionID, err := g.resolveSession(key)
	if err != nil {
		log.Printf("[gateway] resolve session %s: %v", key, err)
		return
	}

	g.busyMu.Lock()
	if g.busy[sessionID] {
		g.busyMu.Unlock()
		log.Printf("[gateway] session %s busy, queueing follow-up", key)
		g.bus.QueueFollowUp(sessionID, msg.Content)
		return
	}
	g.busy[sessionID] = true
	g.busyMu.Unlock()

	go func() {
		defer func() {
			g.busyMu.Lock()
			delete(g.busy, sessionID)
			g.busyMu.Unlock()
		}()

		reply, err := g.agent.SendMessageBlocks(ctx, sessionID, msg.Content, msg.ContentBlocks)
		result := ""
		if err != nil {
			log.Printf("[gateway] agent error: %v", err)
			result = "Sorry, I encountered an error processing your message."
		} else if reply != nil {
			result = reply.Text
		}

		if strings.TrimSpace(result) != "" {
			g.bus.Outbound <- bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: result,
			}
		}
	}()
}

// resolveSession maps a channel session key to a stored session,
// creating one on first contact.
func (g *Gateway) resolveSession(key string) (string, error) {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()

	if id, ok := g.sessions[key]; ok {
		return id, nil
	}

	session, err := g.store.FindSessionByName(key)
	if errors.Is(err, store.ErrNotFound) {
		session, err = g.store.CreateSession(key, g.cfg.Agent.Model)
	}
	if err != nil {
		return "", err
	}

	g.sessions[key] = session.ID
	return session.ID, nil
}

func (g *Gateway) runCronJob(job cron.CronJob) (string, error) {
	key := "cron:" + job.ID
	sessionID, err := g.resolveSession(key)
	if err != nil {
		return "", err
	}

	reply, err := g.agent.SendMessageBlocks(context.Background(), sessionID, job.Payload.Message, nil)
	if err != nil {
		return "", err
	}

	result := ""
	if reply != nil {
		result = reply.Text
	}
	if result != "" && job.Payload.Channel != "" && job.Payload.ChatID != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.ChatID,
			Content: result,
		}
	}
	return result, nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.channels.StopAll()
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
