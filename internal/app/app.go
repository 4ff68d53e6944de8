// Package app assembles the conductor: bus, router, state machine, queue,
// cache, drafts, storage, backend and HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/cache"
	"github.com/opencode-ai/conductor/internal/config"
	"github.com/opencode-ai/conductor/internal/draft"
	"github.com/opencode-ai/conductor/internal/event"
	"github.com/opencode-ai/conductor/internal/logging"
	"github.com/opencode-ai/conductor/internal/queue"
	"github.com/opencode-ai/conductor/internal/router"
	"github.com/opencode-ai/conductor/internal/server"
	"github.com/opencode-ai/conductor/internal/session"
	"github.com/opencode-ai/conductor/internal/storage"
)

// subscribeTimeout bounds the wait for the event subscription at startup.
const subscribeTimeout = 10 * time.Second

// Options configure an App.
type Options struct {
	Config      *config.Config
	Directory   string // project directory the config was loaded from
	StoragePath string

	// Echo answers turns locally from EchoScript instead of publishing
	// commands for an external agent process.
	Echo       bool
	EchoScript *backend.Script

	// Backend overrides the backend chosen from Echo.
	Backend backend.Backend

	// WatchConfig reloads settings when config files change.
	WatchConfig bool
}

// App is a running conductor.
type App struct {
	Config *config.Config

	Bus        *event.Bus
	Storage    *storage.Storage
	Messages   *storage.Messages
	Cache      *cache.Cache
	Queue      *queue.Queue
	Drafts     *draft.Drafts
	Machine    *session.Machine
	Dispatcher *queue.Dispatcher
	Router     *router.Router
	Views      *router.ViewTracker
	Server     *server.Server

	backend backend.Backend
	echo    *backend.Echo
	opts    Options

	watcher *config.Watcher
	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    chan error

	log zerolog.Logger
}

// New wires every component. Nothing runs until Start.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if opts.StoragePath == "" {
		opts.StoragePath = config.GetPaths().StoragePath()
	}
	cfg := opts.Config

	a := &App{
		Config: cfg,
		Bus:    event.NewBus(),
		Queue:  queue.New(),
		Views:  &router.ViewTracker{},
		opts:   opts,
		errs:   make(chan error, 2),
		log:    logging.Component("app"),
	}

	a.Storage = storage.New(opts.StoragePath)
	a.Messages = storage.NewMessages(a.Storage)
	a.Cache = cache.New(a.Messages)
	a.Drafts = draft.New(storage.NewDrafts(a.Storage), cfg.DraftDebounce())

	switch {
	case opts.Backend != nil:
		a.backend = opts.Backend
	case opts.Echo:
		a.echo = backend.NewEcho(a.Bus.PubSub(), cfg.EventsTopic(), a.Messages, opts.EchoScript)
		a.backend = a.echo
	default:
		a.backend = backend.NewPublisher(a.Bus.PubSub(), cfg.CommandsTopic(), a.Messages)
	}

	a.Machine = session.New(session.Options{
		Backend:  a.backend,
		Cache:    a.Cache,
		Queue:    a.Queue,
		Drafts:   a.Drafts,
		Bus:      a.Bus,
		Store:    a.Messages,
		Answers:  session.NewAnswers(),
		Settings: cfg.Settings(),
		Render:   queue.RenderMessage,
	})
	a.Dispatcher = queue.NewDispatcher(a.Queue, a.Machine)
	a.Router = router.New(a.Machine, a.Views)

	// Leaving Sending or WaitingForInput can make a queue eligible.
	a.unsubs = append(a.unsubs, a.Bus.Subscribe(event.SessionStatus, func(event.Event) {
		a.Dispatcher.Kick()
	}))
	a.Queue.Watch(func(sessionID string, length int) {
		a.Bus.PublishSync(event.Event{
			Type: event.QueueChanged,
			Data: event.QueueData{SessionID: sessionID, Length: length},
		})
	})

	host, port := cfg.Addr()
	srvCfg := server.DefaultConfig()
	srvCfg.Hostname = host
	srvCfg.Port = port
	a.Server = server.New(srvCfg, server.Deps{
		Machine: a.Machine,
		Queue:   a.Queue,
		Cache:   a.Cache,
		Drafts:  a.Drafts,
		Views:   a.Views,
		Bus:     a.Bus,
	})

	return a, nil
}

// Start subscribes the router to agent events, waits until the subscription
// is live and starts the dispatcher.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.Router.Run(ctx, a.Bus.PubSub(), a.Config.EventsTopic()); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("Router stopped")
			a.errs <- fmt.Errorf("router: %w", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		_ = a.Dispatcher.Run(ctx)
	}()

	select {
	case <-a.Router.Ready():
	case err := <-a.errs:
		return err
	case <-time.After(subscribeTimeout):
		return errors.New("app: timed out subscribing to agent events")
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.opts.WatchConfig {
		w, err := config.Watch(a.opts.Directory, a.Config, a.applyConfig)
		if err != nil {
			a.log.Warn().Err(err).Msg("Config watching disabled")
		} else {
			a.watcher = w
		}
	}

	mode := "agent"
	if a.echo != nil {
		mode = "echo"
	}
	a.log.Info().
		Str("backend", mode).
		Str("events", a.Config.EventsTopic()).
		Str("commands", a.Config.CommandsTopic()).
		Str("storage", a.Storage.BasePath()).
		Msg("Conductor started")
	return nil
}

// Errors reports fatal errors of background components.
func (a *App) Errors() <-chan error {
	return a.errs
}

func (a *App) applyConfig(cfg *config.Config) {
	a.Machine.UpdateSettings(cfg.Settings())
	a.log.Info().Strs("files", cfg.Files()).Msg("Settings reloaded")
}

// Close stops every component, flushing pending drafts.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Dispatcher.Wait()

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop config watcher")
		}
	}
	for _, unsub := range a.unsubs {
		unsub()
	}

	if a.echo != nil {
		a.echo.Close()
	}
	a.Machine.Shutdown()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Drafts.Flush(flushCtx)

	return a.Bus.Close()
}
