// Package daemon wires the session manager, event bus, relay, and control
// plane into one process.
package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ptyhub/ptyhub/internal/config"
	configstore "github.com/ptyhub/ptyhub/internal/config/store"
	"github.com/ptyhub/ptyhub/internal/credentials"
	"github.com/ptyhub/ptyhub/internal/eventbus"
	"github.com/ptyhub/ptyhub/internal/observability"
	"github.com/ptyhub/ptyhub/internal/procutil"
	"github.com/ptyhub/ptyhub/internal/relay"
	daemonruntime "github.com/ptyhub/ptyhub/internal/runtime"
	"github.com/ptyhub/ptyhub/internal/server"
	"github.com/ptyhub/ptyhub/internal/session"
)

// shutdownTimeout bounds the drain of handles and in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *configstore.Store
}

// Daemon owns the component graph and its startup/shutdown ordering.
type Daemon struct {
	store          *configstore.Store
	eventBus       *eventbus.Bus
	sessionManager *session.Manager
	relay          *relay.Relay
	apiServer      *server.APIServer
	lifecycle      *daemonruntime.Lifecycle
	instancePaths  config.InstancePaths

	errMu  sync.Mutex
	runErr error

	shutdownOnce sync.Once
}

// New creates a daemon bound to the provided configuration store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}

	paths := config.GetInstancePaths(opts.Store.InstanceName())

	bus := eventbus.New()
	counter := observability.NewEventCounter()
	bus.AddObserver(counter)

	sessionManager := session.NewManager(session.Options{
		Bus:         bus,
		Resolver:    session.NewExecResolver(opts.Store),
		Credentials: credentials.NewChain(opts.Store),
	})

	rly := relay.New(relay.Options{
		Manager: sessionManager,
		Bus:     bus,
	})

	exporter := observability.NewExporter(counter,
		func() int { return len(sessionManager.List()) },
		rly.ConnectionCount,
	)

	apiServer := server.New(server.Options{
		SessionManager: sessionManager,
		Realtime:       rly,
		Settings:       opts.Store,
		Metrics:        exporter,
	})

	return &Daemon{
		store:          opts.Store,
		eventBus:       bus,
		sessionManager: sessionManager,
		relay:          rly,
		apiServer:      apiServer,
		lifecycle:      daemonruntime.NewLifecycle(),
		instancePaths:  paths,
	}, nil
}

// Start brings the daemon online and blocks until Shutdown is called or a
// fatal error occurs.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return err
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.Lock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := d.apiServer.Prepare(ctx)
	cancel()
	if err != nil {
		return err
	}

	d.relay.Start()
	if err := d.apiServer.Start(); err != nil {
		d.relay.Shutdown()
		return err
	}

	log.Printf("[Daemon] Ready on %s", d.apiServer.Addr())

	<-d.lifecycle.Done()

	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// Shutdown tears the daemon down in dependency order: stop accepting
// connections, close realtime rooms, kill remaining handles, then release
// the bus and store. Safe to call more than once.
func (d *Daemon) Shutdown() error {
	var err error
	d.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if shutdownErr := d.apiServer.Shutdown(ctx); shutdownErr != nil {
			log.Printf("[Daemon] API server shutdown: %v", shutdownErr)
			err = shutdownErr
		}
		d.relay.Shutdown()
		d.sessionManager.ShutdownAll(ctx)
		d.eventBus.Shutdown()

		if closeErr := d.store.Close(); closeErr != nil {
			log.Printf("[Daemon] Store close: %v", closeErr)
			if err == nil {
				err = closeErr
			}
		}

		d.lifecycle.Shutdown()
	})
	return err
}

// SessionManager returns the session manager.
func (d *Daemon) SessionManager() *session.Manager {
	return d.sessionManager
}

// APIServer returns the API server.
func (d *Daemon) APIServer() *server.APIServer {
	return d.apiServer
}

// IsRunning checks whether a daemon already runs for the default instance.
func IsRunning() bool {
	paths := config.GetInstancePaths("")

	pid, err := daemonruntime.ReadPIDFile(paths.Lock)
	if err != nil {
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}

	return true
}
