package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mickaelli/storyctl/internal/api"
	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/config"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
	"github.com/mickaelli/storyctl/internal/socket"
	"github.com/mickaelli/storyctl/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "storyctl",
	Short: "storyctl - story-to-video client",
	Long:  `storyctl drives the story-to-video backend: create and compile stories, regenerate shots, and track the long-running operations each submission spawns.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(shotCmd)
	rootCmd.AddCommand(opsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired client pieces a command needs. Commands that
// only hit the REST surface leave the tracker nil.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	client  *api.Client
	store   *registry.SQLiteStorage
	reg     *registry.Registry
	cache   *cache.Cache
	sock    *socket.Manager
	tracker tracker.Tracker
}

// newApp loads configuration and wires the client stack. When
// withTracker is set, the transport from S2V_TRANSPORT is started and
// app.tracker is usable; the caller must close() either way.
func newApp(withTracker bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	store, err := registry.NewSQLiteStorage(filepath.Clean(cfg.DatabasePath()))
	if err != nil {
		return nil, fmt.Errorf("open client state: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		client: api.NewClient(cfg.APIURL, cfg.Token, log),
		store:  store,
		reg:    registry.New(store, log),
		cache:  cache.New(cache.DefaultTTL),
	}

	if !withTracker {
		return a, nil
	}

	switch cfg.Transport {
	case config.TransportPush:
		a.sock = socket.NewManager(socket.DefaultConfig(), log)
		a.sock.Connect(cfg.SocketURL, cfg.Token)
		a.tracker = tracker.NewPushTracker(a.reg, a.sock, a.cache, log)
	default:
		pollCfg := tracker.DefaultPollConfig()
		pollCfg.Interval = cfg.PollInterval
		a.tracker = tracker.NewPollTracker(pollCfg, a.client, a.reg, a.cache, log)
	}
	a.tracker.Start()
	return a, nil
}

// Entity reads go through the cache so repeated lookups inside one
// session are served locally until the tracker (or an edit) invalidates
// the key.

func (a *app) listStories(ctx context.Context) (*models.ListStoriesResponse, error) {
	return cache.GetOr(a.cache, cache.StoriesListKey(), func() (*models.ListStoriesResponse, error) {
		return a.client.ListStories(ctx)
	})
}

func (a *app) getStory(ctx context.Context, storyID string) (*models.Story, error) {
	return cache.GetOr(a.cache, cache.StoryDetailKey(storyID), func() (*models.Story, error) {
		return a.client.GetStory(ctx, storyID)
	})
}

func (a *app) listShots(ctx context.Context, storyID string) (*models.ListShotsResponse, error) {
	return cache.GetOr(a.cache, cache.ShotsListKey(storyID), func() (*models.ListShotsResponse, error) {
		return a.client.ListShots(ctx, storyID)
	})
}

func (a *app) getShot(ctx context.Context, storyID, shotID string) (*models.Shot, error) {
	return cache.GetOr(a.cache, cache.ShotDetailKey(storyID, shotID), func() (*models.Shot, error) {
		return a.client.GetShot(ctx, storyID, shotID)
	})
}

// track registers a fresh operation handle and nudges the reconciler.
func (a *app) track(operationName string, meta registry.Meta) {
	a.reg.Add(operationName, meta)
	if a.tracker != nil {
		a.tracker.Sweep()
	}
}

// waitFor blocks until the named operation reaches a terminal status,
// printing its outcome. Used by submission commands under --wait.
func (a *app) waitFor(operationName string) error {
	id, err := models.ParseOperationName(operationName)
	if err != nil {
		return err
	}

	for {
		snap := a.tracker.Snapshot()
		for _, op := range snap.Operations {
			if op.ID != id || !op.Status.IsTerminal() {
				continue
			}
			if op.Status == models.StatusFailed {
				return fmt.Errorf("operation %s failed: %s", id, op.ErrorMsg)
			}
			fmt.Printf("Operation %s succeeded\n", id)
			return nil
		}
		if msg, ok := snap.Errors[id]; ok && msg != "" {
			a.log.Warn().Str("operation_id", id).Str("error", msg).Msg("still waiting")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (a *app) close() {
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.sock != nil {
		a.sock.Disconnect()
	}
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("close client state")
	}
}
