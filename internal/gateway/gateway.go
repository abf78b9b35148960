// ABOUTME: Channel lifecycle management, starting and stopping platform adapters
// ABOUTME: Tracks running adapters and reflects their state into channel status

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/owork-gateway/internal/channels"
	"github.com/2389/owork-gateway/internal/dedupe"
	"github.com/2389/owork-gateway/internal/engine"
	"github.com/2389/owork-gateway/internal/ratelimit"
	"github.com/2389/owork-gateway/internal/store"
)

const (
	stopTimeout = 5 * time.Second

	// Redelivery suppression window for inbound messages
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 4096
)

// Gateway bridges configured channels to the agent engine. It owns the
// adapter lifecycle: starting an adapter per active channel, pumping its
// inbound messages through the processing pipeline, and recording status
// transitions in the store.
type Gateway struct {
	store        store.Store
	runner       engine.Runner
	workspaceDir string
	logger       *slog.Logger

	// newAdapter is replaceable in tests
	newAdapter func(channelType string, cfg channels.Config, handler channels.InboundHandler) (channels.Adapter, error)

	seen *dedupe.Cache

	mu      sync.Mutex
	running map[string]*runningChannel
}

type runningChannel struct {
	channelID string
	adapter   channels.Adapter
	limiter   *ratelimit.Limiter
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a gateway. workspaceDir is where inbound attachments are
// staged per session.
func New(st store.Store, runner engine.Runner, workspaceDir string) *Gateway {
	return &Gateway{
		store:        st,
		runner:       runner,
		workspaceDir: workspaceDir,
		logger:       slog.Default().With("component", "gateway"),
		newAdapter:   channels.New,
		seen:         dedupe.New(dedupeTTL, dedupeMaxSize),
		running:      make(map[string]*runningChannel),
	}
}

// StartAll starts every channel that was active when the process last ran
func (g *Gateway) StartAll(ctx context.Context) error {
	chs, err := g.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	for _, ch := range chs {
		if ch.Status != store.ChannelStatusActive {
			continue
		}
		if err := g.StartChannel(ctx, ch.ID); err != nil {
			g.logger.Error("starting channel failed", "channel_id", ch.ID, "error", err)
		}
	}
	return nil
}

// StartChannel builds and starts the adapter for a channel.
// The channel status becomes active on success; a failed or ended adapter
// run moves it to error or inactive.
func (g *Gateway) StartChannel(ctx context.Context, channelID string) error {
	g.mu.Lock()
	if _, exists := g.running[channelID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("channel %s already running", channelID)
	}
	g.mu.Unlock()

	ch, err := g.store.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}
	if !channels.Supported(ch.ChannelType) {
		return fmt.Errorf("channel type %q has no adapter", ch.ChannelType)
	}

	rc := &runningChannel{
		channelID: channelID,
		limiter:   ratelimit.New(ch.RateLimitPerMinute),
		done:      make(chan struct{}),
	}

	handler := func(msgCtx context.Context, msg channels.InboundMessage) {
		go g.handleInbound(msgCtx, rc, msg)
	}

	adapter, err := g.newAdapter(ch.ChannelType, channels.Config(ch.Config), handler)
	if err != nil {
		g.setStatus(ctx, channelID, store.ChannelStatusError, err.Error())
		return fmt.Errorf("building adapter: %w", err)
	}
	rc.adapter = adapter

	runCtx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel

	g.mu.Lock()
	g.running[channelID] = rc
	g.mu.Unlock()

	g.setStatus(ctx, channelID, store.ChannelStatusActive, "")
	g.logger.Info("channel started", "channel_id", channelID, "type", ch.ChannelType)

	go func() {
		defer close(rc.done)
		err := adapter.Start(runCtx)

		g.mu.Lock()
		delete(g.running, channelID)
		g.mu.Unlock()

		if err != nil && runCtx.Err() == nil {
			g.logger.Error("channel adapter failed", "channel_id", channelID, "error", err)
			g.setStatus(context.Background(), channelID, store.ChannelStatusError, err.Error())
			return
		}
		g.setStatus(context.Background(), channelID, store.ChannelStatusInactive, "")
		g.logger.Info("channel stopped", "channel_id", channelID)
	}()

	return nil
}

// StopChannel stops a running channel and marks it inactive
func (g *Gateway) StopChannel(ctx context.Context, channelID string) error {
	g.mu.Lock()
	rc, ok := g.running[channelID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not running", channelID)
	}

	rc.cancel()
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := rc.adapter.Stop(stopCtx); err != nil {
		g.logger.Warn("adapter stop returned error", "channel_id", channelID, "error", err)
	}

	select {
	case <-rc.done:
	case <-stopCtx.Done():
		g.logger.Warn("adapter did not stop in time", "channel_id", channelID)
	}
	return nil
}

// RestartChannel applies updated configuration by stopping and starting
func (g *Gateway) RestartChannel(ctx context.Context, channelID string) error {
	if g.IsRunning(channelID) {
		if err := g.StopChannel(ctx, channelID); err != nil {
			return err
		}
	}
	return g.StartChannel(ctx, channelID)
}

// ResetRateLimit clears the limiter history for a running channel.
// Called when a channel's rate limit configuration changes in place.
func (g *Gateway) ResetRateLimit(channelID string) {
	g.mu.Lock()
	rc, ok := g.running[channelID]
	g.mu.Unlock()
	if ok {
		rc.limiter.Clear()
	}
}

// IsRunning reports whether the channel's adapter is currently running
func (g *Gateway) IsRunning(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[channelID]
	return ok
}

// Stop shuts down all running channels
func (g *Gateway) Stop(ctx context.Context) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.running))
	for id := range g.running {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		if err := g.StopChannel(ctx, id); err != nil {
			g.logger.Warn("stopping channel failed", "channel_id", id, "error", err)
		}
	}
}

func (g *Gateway) setStatus(ctx context.Context, channelID string, status store.ChannelStatus, errMsg string) {
	if err := g.store.SetChannelStatus(ctx, channelID, status, errMsg); err != nil {
		g.logger.Warn("recording channel status failed",
			"channel_id", channelID, "status", status, "error", err)
	}
}
