// Package registry owns the running clouds of the process: one listener and
// http.Server per cloud, keyed by port.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/homecloud/internal/api"
	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/events"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/metrics"
)

// BasePort is the first port tried when a cloud has no port configured.
const BasePort = 3000

// DefaultShutdownTimeout bounds how long Stop waits for in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// ListenFunc opens the listener for a cloud.
type ListenFunc func(network, address string) (net.Listener, error)

// Options configures a Registry.
type Options struct {
	// BindHost is the interface clouds listen on. Empty means all.
	BindHost string
	// Listen defaults to net.Listen.
	Listen          ListenFunc
	ShutdownTimeout time.Duration
	// Server is passed to every CloudServer created by Start.
	Server api.Options
	// Events, when set, receives start/stop/failure notifications.
	Events *events.Broadcaster
}

// RunningCloud describes a started cloud.
type RunningCloud struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	Addr      string    `json:"addr"`
	Folders   []string  `json:"folders"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	server    *api.CloudServer
	handler   http.Handler
	http      *http.Server
	addr      string
	roots     map[string]string
	startedAt time.Time
	done      chan struct{}
}

// Registry maps ports to running clouds. The zero value is not usable; call
// New.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	entries map[int]*entry
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Registry{
		opts:    opts,
		entries: make(map[int]*entry),
	}
}

// Start binds c's port and begins serving it. A cloud with port 0 is given
// the next free port from BasePort. Start fails with PortInUse when the port
// is taken by a running cloud or the operating system refuses the bind, and
// with FolderInUse when one of c's folder roots is already served. A failed
// Start never disturbs clouds that are already running.
func (reg *Registry) Start(ctx context.Context, c *cloud.Cloud) (RunningCloud, error) {
	if err := ctx.Err(); err != nil {
		return RunningCloud{}, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c.Port() == 0 {
		port, err := reg.nextFreePortLocked()
		if err != nil {
			reg.failed(c, err)
			return RunningCloud{}, err
		}
		c = c.WithPort(port)
	}
	if err := c.Startable(); err != nil {
		reg.failed(c, err)
		return RunningCloud{}, err
	}

	port := c.Port()
	if existing, ok := reg.entries[port]; ok {
		err := apperr.New(apperr.PortInUse,
			fmt.Sprintf("port %d is already used by cloud %q", port, existing.server.Cloud().Name()))
		reg.failed(c, err)
		return RunningCloud{}, err
	}

	roots := make(map[string]string, len(c.Folders()))
	for _, f := range c.Folders() {
		for _, e := range reg.entries {
			if owner, ok := e.roots[f.Root]; ok {
				err := apperr.New(apperr.FolderInUse,
					fmt.Sprintf("folder %q is already served by cloud %q as %q", f.Name, e.server.Cloud().Name(), owner))
				reg.failed(c, err)
				return RunningCloud{}, err
			}
		}
		roots[f.Root] = f.Name
	}

	addr := net.JoinHostPort(reg.opts.BindHost, strconv.Itoa(port))
	ln, err := reg.opts.Listen("tcp", addr)
	if err != nil {
		err = apperr.Wrap(apperr.PortInUse, fmt.Sprintf("port %d is not available", port), err)
		reg.failed(c, err)
		return RunningCloud{}, err
	}

	server := api.NewCloudServer(c, reg.opts.Server)
	e := &entry{
		server:    server,
		handler:   server.Handler(),
		addr:      ln.Addr().String(),
		roots:     roots,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	e.http = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reg.Dispatch(port, w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	reg.entries[port] = e

	go reg.serve(c, e, ln)

	metrics.RecordCloudStart(true)
	metrics.SetCloudsRunning(len(reg.entries))
	logging.Info("cloud started",
		zap.String("cloud", c.Name()),
		zap.Int("port", port),
		zap.String("addr", e.addr),
		zap.Strings("folders", c.FolderNames()))
	reg.publish(events.Event{
		Type:    events.TypeCloudStarted,
		Cloud:   c.Name(),
		Port:    port,
		Message: fmt.Sprintf("cloud %q listening on %s", c.Name(), e.addr),
	})
	return e.describe(), nil
}

func (reg *Registry) serve(c *cloud.Cloud, e *entry, ln net.Listener) {
	defer close(e.done)
	err := e.http.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	logging.Error("cloud server failed",
		zap.String("cloud", c.Name()),
		zap.Int("port", c.Port()),
		zap.Error(err))

	reg.mu.Lock()
	if reg.entries[c.Port()] == e {
		delete(reg.entries, c.Port())
		metrics.SetCloudsRunning(len(reg.entries))
	}
	reg.mu.Unlock()

	reg.publish(events.Event{
		Type:    events.TypeCloudFailed,
		Level:   events.LevelError,
		Cloud:   c.Name(),
		Port:    c.Port(),
		Message: err.Error(),
	})
}

// Stop stops the cloud on port. New requests are refused at once; requests
// already in flight are given ShutdownTimeout to finish.
func (reg *Registry) Stop(ctx context.Context, port int) error {
	reg.mu.Lock()
	e, ok := reg.entries[port]
	if ok {
		delete(reg.entries, port)
		metrics.SetCloudsRunning(len(reg.entries))
	}
	reg.mu.Unlock()

	if !ok {
		return apperr.New(apperr.NotRunning, fmt.Sprintf("no cloud is running on port %d", port))
	}

	name := e.server.Cloud().Name()
	shutdownCtx, cancel := context.WithTimeout(ctx, reg.opts.ShutdownTimeout)
	defer cancel()

	var stopErr error
	if err := e.http.Shutdown(shutdownCtx); err != nil {
		logging.Warn("cloud shutdown timed out, closing connections",
			zap.String("cloud", name),
			zap.Int("port", port),
			zap.Error(err))
		e.http.Close()
		stopErr = apperr.Wrap(apperr.IoFailure, "cloud did not shut down cleanly", err)
	}
	<-e.done

	logging.Info("cloud stopped", zap.String("cloud", name), zap.Int("port", port))
	reg.publish(events.Event{
		Type:    events.TypeCloudStopped,
		Cloud:   name,
		Port:    port,
		Message: fmt.Sprintf("cloud %q stopped", name),
	})
	return stopErr
}

// StopAll stops every running cloud concurrently.
func (reg *Registry) StopAll(ctx context.Context) error {
	reg.mu.RLock()
	ports := make([]int, 0, len(reg.entries))
	for port := range reg.entries {
		ports = append(ports, port)
	}
	reg.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		g.Go(func() error {
			err := reg.Stop(gctx, port)
			if apperr.Is(err, apperr.NotRunning) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Dispatch routes r to the cloud on port, or answers 404 NotRunning.
func (reg *Registry) Dispatch(port int, w http.ResponseWriter, r *http.Request) {
	reg.mu.RLock()
	e, ok := reg.entries[port]
	reg.mu.RUnlock()

	if !ok {
		api.WriteError(w, r, apperr.New(apperr.NotRunning, "this cloud is not running"))
		return
	}
	e.handler.ServeHTTP(w, r)
}

// Lookup returns the server bound to port.
func (reg *Registry) Lookup(port int) (*api.CloudServer, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	e, ok := reg.entries[port]
	if !ok {
		return nil, false
	}
	return e.server, true
}

// Running returns the running clouds ordered by port.
func (reg *Registry) Running() []RunningCloud {
	reg.mu.RLock()
	out := make([]RunningCloud, 0, len(reg.entries))
	for _, e := range reg.entries {
		out = append(out, e.describe())
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// NextFreePort returns the lowest port from BasePort that no running cloud
// owns and that the system lets us bind.
func (reg *Registry) NextFreePort() (int, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.nextFreePortLocked()
}

func (reg *Registry) nextFreePortLocked() (int, error) {
	for port := BasePort; port <= 65535; port++ {
		if _, taken := reg.entries[port]; taken {
			continue
		}
		ln, err := reg.opts.Listen("tcp", net.JoinHostPort(reg.opts.BindHost, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, apperr.New(apperr.PortInUse, "no free port available")
}

func (e *entry) describe() RunningCloud {
	c := e.server.Cloud()
	return RunningCloud{
		Name:      c.Name(),
		Port:      c.Port(),
		Addr:      e.addr,
		Folders:   c.FolderNames(),
		StartedAt: e.startedAt,
	}
}

func (reg *Registry) failed(c *cloud.Cloud, err error) {
	metrics.RecordCloudStart(false)
	logging.Warn("cloud start refused",
		zap.String("cloud", c.Name()),
		zap.Int("port", c.Port()),
		zap.Error(err))
	reg.publish(events.Event{
		Type:    events.TypeCloudFailed,
		Level:   events.LevelWarn,
		Cloud:   c.Name(),
		Port:    c.Port(),
		Message: apperr.PublicMessage(err),
	})
}

func (reg *Registry) publish(e events.Event) {
	if reg.opts.Events != nil {
		reg.opts.Events.Publish(e)
	}
}
