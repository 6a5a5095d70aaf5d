// Package lifecycle runs worker versions the way a browser runs service workers:
// one version is installed, waits until it may take over, is activated and then
// receives the fetch events of the pages (clients) it controls.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/fetch"
)

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker is one registered version of a Handler.
type Worker struct {
	ID string

	handler   Handler
	mu        sync.Mutex
	state     State
	activated chan struct{}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Host sequences worker versions and dispatches events to them.
type Host struct {
	ctx     context.Context
	network fetch.Fetcher
	log     zerolog.Logger

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients map[string]*Client

	background sync.WaitGroup
}

// NewHost creates a host. Requests no worker responds to go to network.
// ctx is used for activations triggered by closing clients.
func NewHost(ctx context.Context, network fetch.Fetcher, logger *zerolog.Logger) *Host {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Host{
		ctx:     ctx,
		network: network,
		log:     l,
		clients: make(map[string]*Client),
	}
}

// Register installs a new worker version and activates it when allowed.
// When installation fails the worker is redundant and the error is returned;
// registering again retries the installation.
func (h *Host) Register(ctx context.Context, handler Handler) (*Worker, error) {
	w := &Worker{
		ID:        uuid.NewString(),
		handler:   handler,
		state:     StateInstalling,
		activated: make(chan struct{}),
	}
	logger := h.log.With().Str("worker", w.ID).Logger()
	logger.Info().Msg("Installing worker")

	ev := &InstallEvent{ExtendableEvent: ExtendableEvent{ctx: ctx}}
	handler.HandleInstall(ev)
	if err := ev.settle(); err != nil {
		w.setState(StateRedundant)
		logger.Error().Err(err).Msg("Worker install failed")
		return w, fmt.Errorf("install worker: %w", err)
	}
	w.setState(StateInstalled)

	ev.mu.Lock()
	skipWaiting := ev.skipWaiting
	ev.mu.Unlock()

	h.mu.Lock()
	if h.waiting != nil {
		h.waiting.setState(StateRedundant)
	}
	h.waiting = w
	ready := skipWaiting || h.active == nil || h.controlledLocked(h.active) == 0
	h.mu.Unlock()

	if ready {
		h.activate(ctx, w)
	} else {
		logger.Info().Msg("Worker installed, waiting for controlled clients to close")
	}
	return w, nil
}

func (h *Host) activate(ctx context.Context, w *Worker) {
	h.mu.Lock()
	if h.waiting != w {
		h.mu.Unlock()
		return
	}
	h.waiting = nil
	previous := h.active
	h.active = w
	w.setState(StateActivating)
	if previous != nil {
		for _, c := range h.clients {
			if c.controller == previous {
				c.controller = w
			}
		}
	}
	h.mu.Unlock()

	logger := h.log.With().Str("worker", w.ID).Logger()
	if previous != nil {
		previous.setState(StateRedundant)
		logger.Debug().Str("previous", previous.ID).Msg("Replacing active worker")
	}

	logger.Info().Msg("Activating worker")
	ev := &ActivateEvent{ExtendableEvent: ExtendableEvent{ctx: ctx}}
	w.handler.HandleActivate(ev)
	if err := ev.settle(); err != nil {
		// activation completes regardless
		logger.Error().Err(err).Msg("Worker activation failed")
	}

	ev.mu.Lock()
	claim := ev.claim
	ev.mu.Unlock()
	if claim {
		h.mu.Lock()
		if h.active == w {
			for _, c := range h.clients {
				c.controller = w
			}
		}
		h.mu.Unlock()
		logger.Debug().Msg("Worker claimed clients")
	}

	w.setState(StateActivated)
	close(w.activated)
	logger.Info().Msg("Worker activated")
}

// controlledLocked counts the clients controlled by w. h.mu must be held.
func (h *Host) controlledLocked(w *Worker) int {
	n := 0
	for _, c := range h.clients {
		if c.controller == w {
			n++
		}
	}
	return n
}

// Connect opens a client (a page), controlled by the active worker if there is one.
func (h *Host) Connect() *Client {
	c := &Client{ID: uuid.NewString(), host: h}
	h.mu.Lock()
	c.controller = h.active
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Trace().Str("client", c.ID).Msg("Client connected")
	return c
}

// Wait blocks until the extended work of all dispatched fetch events is done.
func (h *Host) Wait() {
	h.background.Wait()
}

// WorkerInfo describes a worker in a Snapshot.
type WorkerInfo struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

type Snapshot struct {
	Active  *WorkerInfo `json:"active,omitempty"`
	Waiting *WorkerInfo `json:"waiting,omitempty"`
	Clients int         `json:"clients"`
}

func (h *Host) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{Clients: len(h.clients)}
	if h.active != nil {
		s.Active = &WorkerInfo{ID: h.active.ID, State: h.active.State()}
	}
	if h.waiting != nil {
		s.Waiting = &WorkerInfo{ID: h.waiting.ID, State: h.waiting.State()}
	}
	return s
}

func (h *Host) settleInBackground(ev *FetchEvent) {
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if err := ev.settle(); err != nil {
			h.log.Warn().Err(err).Str("url", ev.Request.URL.String()).Msg("Extended fetch work failed")
		}
	}()
}

// Client is an open page.
type Client struct {
	ID string

	host *Host
	// guarded by host.mu
	controller *Worker
	closed     bool
}

// Controller returns the worker controlling the client, or nil.
func (c *Client) Controller() *Worker {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	return c.controller
}

// Close disconnects the client. A waiting worker is activated
// once no client is controlled by the active worker anymore.
func (c *Client) Close() {
	h := c.host
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	delete(h.clients, c.ID)
	waiting := h.waiting
	ready := waiting != nil && (h.active == nil || h.controlledLocked(h.active) == 0)
	h.mu.Unlock()

	h.log.Trace().Str("client", c.ID).Msg("Client closed")
	if ready {
		h.activate(h.ctx, waiting)
	}
}

// Fetch sends a request from the client. A controlled client dispatches a fetch event
// to its worker once that worker is activated; the request goes to the network when
// the client is uncontrolled or the worker does not respond.
// The returned bool reports whether the worker responded.
func (c *Client) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error) {
	h := c.host
	w := c.Controller()
	if w == nil {
		res, err := h.network.Fetch(ctx, req)
		return res, false, err
	}

	select {
	case <-w.activated:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	ev := &FetchEvent{
		ExtendableEvent: ExtendableEvent{ctx: context.WithoutCancel(ctx)},
		Request:         req,
	}
	w.handler.HandleFetch(ev)
	respond := ev.responder()
	if respond == nil {
		h.settleInBackground(ev)
		res, err := h.network.Fetch(ctx, req)
		return res, false, err
	}
	res, err := respond(ctx)
	h.settleInBackground(ev)
	return res, true, err
}
