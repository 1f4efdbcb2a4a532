package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBreakerOpen is returned without running the operation
	// while a breaker is open, or while its half-open probe is in flight.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrTimeout is returned when an operation outlives the breaker's timeout.
	ErrTimeout = errors.New("operation timed out")
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type BreakerOptions struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// Timeout bounds every call. Zero means no bound.
	Timeout time.Duration `yaml:"timeout"`
}

var DefaultBreakerOptions = BreakerOptions{
	Threshold:    5,
	ResetTimeout: 30 * time.Second,
	Timeout:      30 * time.Second,
}

// CircuitBreaker fails fast after repeated failures of the operations it wraps.
type CircuitBreaker struct {
	Name    string
	Options BreakerOptions

	// Neutral reports errors that count neither as failure nor as success,
	// such as a not-found answer from a healthy service.
	Neutral func(error) bool

	// Now defaults to time.Now.
	Now func() time.Time

	// OnStateChange, if set, is called with the new state, outside the lock.
	OnStateChange func(State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func (b *CircuitBreaker) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.Options.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.call(ctx, fn)
	b.done(err)
	return err
}

func (b *CircuitBreaker) allow() error {
	var changed bool
	defer func() {
		if changed {
			b.notify(HalfOpen)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.Options.ResetTimeout {
			return errors.Wrap(ErrBreakerOpen, b.Name)
		}
		b.state = HalfOpen
		b.probing = false
		changed = true
	}
	if b.state == HalfOpen {
		if b.probing {
			return errors.Wrap(ErrBreakerOpen, b.Name)
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) done(err error) {
	var (
		changed  bool
		newState State
	)
	defer func() {
		if changed {
			b.notify(newState)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = Closed
		b.probing = false

	case b.Neutral != nil && b.Neutral(err):
		if b.state == HalfOpen {
			b.failures = 0
			b.state = Closed
			b.probing = false
		}

	case b.state == HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.probing = false

	default:
		b.failures++
		threshold := b.Options.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		if b.failures >= threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
	changed, newState = b.state != prev, b.state
}

func (b *CircuitBreaker) call(ctx context.Context, fn func(context.Context) error) error {
	if b.Options.Timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, b.Options.Timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- fn(ctx)
	}()

	timer := time.NewTimer(b.Options.Timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return errors.Wrapf(ErrTimeout, "%s after %s", b.Name, b.Options.Timeout)
	}
}

// Reset closes the breaker. Operator action.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(Closed)
}

func (b *CircuitBreaker) notify(s State) {
	if b.OnStateChange != nil {
		b.OnStateChange(s)
	}
}

// Breakers keeps one CircuitBreaker per mapping and service.
type Breakers struct {
	Options    BreakerOptions
	Neutral    func(error) bool
	Now        func() time.Time
	Collectors *Collectors

	mu sync.Mutex
	m  map[string]map[string]*CircuitBreaker
}

func (bs *Breakers) Get(mappingID, service string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.m == nil {
		bs.m = make(map[string]map[string]*CircuitBreaker)
	}
	byService := bs.m[mappingID]
	if byService == nil {
		byService = make(map[string]*CircuitBreaker)
		bs.m[mappingID] = byService
	}
	b := byService[service]
	if b == nil {
		b = &CircuitBreaker{
			Name:    mappingID + "/" + service,
			Options: bs.Options,
			Neutral: bs.Neutral,
			Now:     bs.Now,
			OnStateChange: func(s State) {
				bs.Collectors.setBreaker(mappingID, service, s)
			},
		}
		byService[service] = b
	}
	return b
}

// Execute runs fn through the breaker for mappingID and service.
func (bs *Breakers) Execute(ctx context.Context, mappingID, service string, fn func(context.Context) error) error {
	return bs.Get(mappingID, service).Execute(ctx, fn)
}

// States reports the state of each breaker of a mapping.
func (bs *Breakers) States(mappingID string) map[string]string {
	bs.mu.Lock()
	byService := bs.m[mappingID]
	breakers := make(map[string]*CircuitBreaker, len(byService))
	for k, v := range byService {
		breakers[k] = v
	}
	bs.mu.Unlock()

	result := make(map[string]string, len(breakers))
	for service, b := range breakers {
		result[service] = b.State().String()
	}
	return result
}

func (bs *Breakers) Reset(mappingID string) {
	bs.mu.Lock()
	var breakers []*CircuitBreaker
	for _, b := range bs.m[mappingID] {
		breakers = append(breakers, b)
	}
	bs.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}

func (bs *Breakers) Remove(mappingID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.m, mappingID)
}
