package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/always-cache/offline-cache/fetch"
)

var (
	// ErrEventSettled is returned when work is registered on an event
	// after its dispatch has finished.
	ErrEventSettled = errors.New("event already settled")
	// ErrAlreadyResponded is returned by a second RespondWith call.
	ErrAlreadyResponded = errors.New("fetch event already responded")
)

// Handler reacts to the lifecycle events of one worker version.
type Handler interface {
	HandleInstall(e *InstallEvent)
	HandleActivate(e *ActivateEvent)
	HandleFetch(e *FetchEvent)
}

// ExtendableEvent is the completion token of an event.
// Tasks registered with WaitUntil start right away; the event is done when all
// of them have returned and failed when any of them failed.
type ExtendableEvent struct {
	ctx context.Context

	mu      sync.Mutex
	wg      sync.WaitGroup
	errs    []error
	settled bool
}

// WaitUntil extends the event until task returns.
// It must be called while the event is being dispatched.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := task(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
	return nil
}

// settle closes the event for new tasks and waits for registered ones.
func (e *ExtendableEvent) settle() error {
	e.mu.Lock()
	e.settled = true
	e.mu.Unlock()
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

type InstallEvent struct {
	ExtendableEvent
	skipWaiting bool
}

// SkipWaiting activates the worker as soon as it is installed,
// even while pages controlled by the previous worker are open.
func (e *InstallEvent) SkipWaiting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipWaiting = true
}

type ActivateEvent struct {
	ExtendableEvent
	claim bool
}

// Claim makes the worker control every open page once it is activated,
// including pages that were opened before any worker was active.
func (e *ActivateEvent) Claim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claim = true
}

type FetchEvent struct {
	ExtendableEvent
	Request *fetch.Request

	respond func(ctx context.Context) (*fetch.Response, error)
}

// RespondWith takes over the request. Without it the request goes to the network.
func (e *FetchEvent) RespondWith(respond func(ctx context.Context) (*fetch.Response, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled {
		return ErrEventSettled
	}
	if e.respond != nil {
		return ErrAlreadyResponded
	}
	e.respond = respond
	return nil
}

func (e *FetchEvent) responder() func(ctx context.Context) (*fetch.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond
}
