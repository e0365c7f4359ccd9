package precache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/apex/log"
)

// State is the lifecycle state of a worker within a registration.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Worker handles the lifecycle and fetch events of a registration.
//
// Install and Activate return a Task; the registration does not move the
// worker to its next state until the task settles.
type Worker interface {
	Install(ctx context.Context, lc Lifecycle) *Task
	Activate(ctx context.Context, lc Lifecycle) *Task
	Fetch(req *http.Request) (*http.Response, error)
}

// Lifecycle is what a worker can signal to its registration.
type Lifecycle interface {
	// SkipWaiting activates the worker as soon as it is installed, without
	// waiting for clients of the previous worker to close.
	SkipWaiting()

	// Claim makes the active worker control every open client, including
	// clients opened before any worker was active.
	Claim()
}

type slot struct {
	worker      Worker
	state       State
	skipWaiting bool
	activated   chan struct{}
}

// Registration hosts workers and routes the requests of its clients.
//
// At most one worker is active and at most one is waiting. A newly
// installed worker waits until no client is controlled by the active
// worker, unless it calls SkipWaiting.
type Registration struct {
	opts *Options
	log  log.Interface

	// jobs serialises install and activate, the way the platform queues
	// registration jobs.
	jobs sync.Mutex

	mu      sync.Mutex
	slots   []*slot
	waiting *slot
	active  *slot
	clients map[*Client]struct{}
}

// NewRegistration creates an empty registration. Requests from clients with
// no controlling worker go to the configured transport.
func NewRegistration(opts ...Option) *Registration {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Registration{
		opts:    options,
		log:     options.Logger,
		clients: make(map[*Client]struct{}),
	}
}

// Register installs w and, when nothing holds it back, activates it.
//
// If installation fails the worker becomes redundant, the previously active
// worker keeps control, and the returned error wraps ErrInstall. If
// activation fails the worker still becomes active and the returned error
// wraps ErrActivate.
func (r *Registration) Register(ctx context.Context, w Worker) error {
	r.jobs.Lock()
	defer r.jobs.Unlock()

	s := &slot{worker: w, state: StateInstalling, activated: make(chan struct{})}
	r.mu.Lock()
	r.slots = append(r.slots, s)
	r.mu.Unlock()

	r.log.Debug("installing worker")
	if err := w.Install(ctx, &lifecycle{r: r, s: s}).Wait(ctx); err != nil {
		r.setState(s, StateRedundant)
		r.log.WithError(err).Error("install failed")
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}

	r.mu.Lock()
	s.state = StateInstalled
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = s
	r.mu.Unlock()

	return r.tryActivate(ctx)
}

// tryActivate promotes the waiting worker if it may become active.
// Callers hold r.jobs.
func (r *Registration) tryActivate(ctx context.Context) error {
	r.mu.Lock()
	s := r.waiting
	if s == nil || (!s.skipWaiting && r.controlledLocked(r.active) > 0) {
		r.mu.Unlock()
		if s != nil {
			r.log.Debug("worker waiting for clients to close")
		}
		return nil
	}

	if r.active != nil {
		r.active.state = StateRedundant
	}
	r.waiting = nil
	r.active = s
	s.state = StateActivating
	for c := range r.clients {
		if c.controller != nil {
			c.controller = s
		}
	}
	r.mu.Unlock()

	r.log.Debug("activating worker")
	err := s.worker.Activate(ctx, &lifecycle{r: r, s: s}).Wait(ctx)

	r.mu.Lock()
	if s.state == StateActivating {
		s.state = StateActivated
	}
	r.mu.Unlock()
	close(s.activated)

	if err != nil {
		r.log.WithError(err).Error("activate failed")
		return fmt.Errorf("%w: %w", ErrActivate, err)
	}
	r.log.Info("worker activated")
	return nil
}

// Active returns the active worker, or nil.
func (r *Registration) Active() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.worker
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return nil
	}
	return r.waiting.worker
}

// StateOf returns the latest state of w, or StateParsed if w was never
// registered.
func (r *Registration) StateOf(w Worker) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.slots) - 1; i >= 0; i-- {
		if r.slots[i].worker == w {
			return r.slots[i].state
		}
	}
	return StateParsed
}

// Open returns a new client controlled by the active worker, if any.
func (r *Registration) Open() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Client{r: r, controller: r.active}
	r.clients[c] = struct{}{}
	return c
}

func (r *Registration) setState(s *slot, state State) {
	r.mu.Lock()
	s.state = state
	r.mu.Unlock()
}

func (r *Registration) controlledLocked(s *slot) int {
	if s == nil {
		return 0
	}
	n := 0
	for c := range r.clients {
		if c.controller == s {
			n++
		}
	}
	return n
}

type lifecycle struct {
	r *Registration
	s *slot
}

func (l *lifecycle) SkipWaiting() {
	l.r.mu.Lock()
	l.s.skipWaiting = true
	l.r.mu.Unlock()
}

func (l *lifecycle) Claim() {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	if l.r.active != l.s {
		l.r.log.Warn("claim ignored: worker is not active")
		return
	}
	for c := range l.r.clients {
		c.controller = l.s
	}
}

// Client is an open page of a registration. Its RoundTrip is the fetch
// event: requests go to the controlling worker, or straight to the network
// when there is none.
type Client struct {
	r          *Registration
	controller *slot // guarded by r.mu
	closed     bool
}

// Controller returns the worker controlling c, or nil.
func (c *Client) Controller() Worker {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.controller == nil {
		return nil
	}
	return c.controller.worker
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	c.r.mu.Lock()
	s := c.controller
	c.r.mu.Unlock()

	if s == nil {
		return c.r.opts.Transport.RoundTrip(req)
	}

	// Fetches to a worker that is still activating wait for it to finish.
	select {
	case <-s.activated:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return s.worker.Fetch(req)
}

// Close detaches the client. If it was the last client holding back a
// waiting worker, that worker is activated before Close returns.
func (c *Client) Close() error {
	c.r.jobs.Lock()
	defer c.r.jobs.Unlock()

	c.r.mu.Lock()
	if c.closed {
		c.r.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(c.r.clients, c)
	c.r.mu.Unlock()

	return c.r.tryActivate(context.Background())
}
