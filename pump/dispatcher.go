package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/storage"
)

var (
	// ErrShutdownTimeout means at least one pump did not stop before the deadline
	ErrShutdownTimeout = errors.New("pump: shutdown timed out")
	// ErrUnknownChannel names a channel the dispatcher was not configured with
	ErrUnknownChannel = errors.New("pump: unknown channel")
	// ErrDispatcherStopped is returned when starting pumps after End
	ErrDispatcherStopped = errors.New("pump: dispatcher stopped")
)

// DispatcherState is the lifecycle state of a dispatcher
type DispatcherState int32

const (
	DispatcherAwaiting DispatcherState = iota
	DispatcherRunning
	DispatcherStopping
	DispatcherStopped
)

func (s DispatcherState) String() string {
	switch s {
	case DispatcherAwaiting:
		return "awaiting"
	case DispatcherRunning:
		return "running"
	case DispatcherStopping:
		return "stopping"
	case DispatcherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PumpStatus is a snapshot of one configured channel
type PumpStatus struct {
	Name       string
	RoutingKey string
	Mode       Mode
	State      State
	Circuit    string
	Err        error
	Stats      Stats
}

// Dispatcher owns one pump per configured channel
type Dispatcher struct {
	processor   Processor
	mappers     RequestMapper
	consumers   messaging.ConsumerFactory
	provisioner messaging.ChannelProvisioner
	deadLetters messaging.Producer
	inbox       storage.Inbox
	pool        *WorkerPool
	logger      *slog.Logger

	mu     sync.Mutex
	subs   map[string]Subscription
	order  []string
	pumps  map[string]*Pump
	state  DispatcherState
	runCtx context.Context
	cancel context.CancelFunc
}

// DispatcherOption configures a dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithProvisioner enables the create and validate missing-channel policies
func WithProvisioner(provisioner messaging.ChannelProvisioner) DispatcherOption {
	return func(d *Dispatcher) {
		d.provisioner = provisioner
	}
}

// WithDeadLetters sets the producer pumps use for dead-letter routing
func WithDeadLetters(producer messaging.Producer) DispatcherOption {
	return func(d *Dispatcher) {
		d.deadLetters = producer
	}
}

// WithDispatcherInbox enables pump-level duplicate suppression
func WithDispatcherInbox(inbox storage.Inbox) DispatcherOption {
	return func(d *Dispatcher) {
		d.inbox = inbox
	}
}

// WithProactorWorkers sizes the worker pool shared by proactor pumps
func WithProactorWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.pool = NewWorkerPool(n)
	}
}

// NewDispatcher validates subs and creates an awaiting dispatcher
func NewDispatcher(processor Processor, mappers RequestMapper, consumers messaging.ConsumerFactory, subs []Subscription, options ...DispatcherOption) (*Dispatcher, error) {
	if processor == nil || mappers == nil || consumers == nil {
		return nil, contracts.NewConfigurationError("dispatcher", "", "processor, mappers and consumer factory are required")
	}

	d := &Dispatcher{
		processor: processor,
		mappers:   mappers,
		consumers: consumers,
		logger:    slog.Default(),
		subs:      make(map[string]Subscription, len(subs)),
		pumps:     make(map[string]*Pump, len(subs)),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.pool == nil {
		d.pool = NewWorkerPool(4)
	}

	for _, sub := range subs {
		if err := sub.Validate(); err != nil {
			return nil, err
		}
		sub = sub.WithDefaults()
		if _, dup := d.subs[sub.Name]; dup {
			return nil, contracts.NewConfigurationError("subscription", sub.Name, "duplicate channel name")
		}
		d.subs[sub.Name] = sub
		d.order = append(d.order, sub.Name)
	}

	d.runCtx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// State returns the dispatcher state
func (d *Dispatcher) State() DispatcherState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Receive starts every configured pump that is not already running. Channels are
// checked before any pump starts, so a Validate failure starts nothing.
func (d *Dispatcher) Receive(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DispatcherStopping || d.state == DispatcherStopped {
		return ErrDispatcherStopped
	}

	var pending []string
	for _, name := range d.order {
		if d.isActiveLocked(name) {
			continue
		}
		if err := d.ensureChannel(ctx, d.subs[name]); err != nil {
			return err
		}
		pending = append(pending, name)
	}

	started := make([]string, 0, len(pending))
	for _, name := range pending {
		if err := d.startLocked(ctx, d.subs[name]); err != nil {
			d.rollbackLocked(ctx, started)
			return err
		}
		started = append(started, name)
	}

	if len(d.order) > 0 {
		d.state = DispatcherRunning
	}
	d.logger.Info("dispatcher receiving",
		"channels", len(d.order),
		"started", len(pending),
	)
	return nil
}

// Open starts the named pump, typically after Shut
func (d *Dispatcher) Open(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DispatcherStopping || d.state == DispatcherStopped {
		return ErrDispatcherStopped
	}
	sub, ok := d.subs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if d.isActiveLocked(name) {
		return nil
	}
	if err := d.ensureChannel(ctx, sub); err != nil {
		return err
	}
	if err := d.startLocked(ctx, sub); err != nil {
		return err
	}
	d.state = DispatcherRunning
	return nil
}

// Shut stops one pump after its current batch and waits, bounded by ctx
func (d *Dispatcher) Shut(ctx context.Context, name string) error {
	d.mu.Lock()
	if _, ok := d.subs[name]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	p, ok := d.pumps[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	p.Stop()
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShutdownTimeout, name, err)
	}

	d.mu.Lock()
	if d.state == DispatcherRunning && !d.anyActiveLocked() {
		d.state = DispatcherAwaiting
	}
	d.mu.Unlock()

	d.logger.Info("channel shut", "channel", name)
	return nil
}

// End stops every pump and waits for all of them, bounded by ctx. Pumps still
// running at the deadline are abandoned and reported in the error.
func (d *Dispatcher) End(ctx context.Context) error {
	d.mu.Lock()
	if d.state == DispatcherStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = DispatcherStopping
	pumps := make([]*Pump, 0, len(d.pumps))
	for _, name := range d.order {
		if p, ok := d.pumps[name]; ok {
			pumps = append(pumps, p)
		}
	}
	d.mu.Unlock()

	for _, p := range pumps {
		p.Stop()
	}

	var stuck []string
	for _, p := range pumps {
		if err := p.Wait(ctx); err != nil {
			stuck = append(stuck, p.Name())
		}
	}

	d.cancel()
	d.mu.Lock()
	d.state = DispatcherStopped
	d.mu.Unlock()

	if len(stuck) > 0 {
		d.logger.Error("dispatcher shutdown timed out", "channels", stuck)
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(stuck, ", "))
	}
	d.logger.Info("dispatcher stopped", "channels", len(pumps))
	return nil
}

// Status returns a snapshot of every configured channel in configuration order
func (d *Dispatcher) Status() []PumpStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PumpStatus, 0, len(d.order))
	for _, name := range d.order {
		sub := d.subs[name]
		status := PumpStatus{
			Name:       name,
			RoutingKey: sub.RoutingKey,
			Mode:       sub.Mode,
			State:      StateIdle,
		}
		if p, ok := d.pumps[name]; ok {
			status.State = p.State()
			status.Circuit = p.Channel().CircuitState()
			status.Err = p.Err()
			status.Stats = p.Stats()
		}
		out = append(out, status)
	}
	return out
}

// Pump returns the current pump for name
func (d *Dispatcher) Pump(name string) (*Pump, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pumps[name]
	return p, ok
}

func (d *Dispatcher) isActiveLocked(name string) bool {
	p, ok := d.pumps[name]
	if !ok {
		return false
	}
	s := p.State()
	return s == StateRunning || s == StateStopping
}

func (d *Dispatcher) anyActiveLocked() bool {
	for _, name := range d.order {
		if d.isActiveLocked(name) {
			return true
		}
	}
	return false
}

// rollbackLocked stops the pumps a failed Receive started and forgets them
func (d *Dispatcher) rollbackLocked(ctx context.Context, names []string) {
	for _, name := range names {
		p, ok := d.pumps[name]
		if !ok {
			continue
		}
		p.Stop()
		if err := p.Wait(ctx); err != nil {
			d.logger.Warn("pump did not stop during rollback", "channel", name, "error", err)
		}
		delete(d.pumps, name)
	}
	if len(names) > 0 {
		d.logger.Warn("receive failed, stopped started pumps", "channels", names)
	}
}

func (d *Dispatcher) ensureChannel(ctx context.Context, sub Subscription) error {
	if sub.OnMissingChannel == OnMissingAssume {
		return nil
	}
	if d.provisioner == nil {
		if sub.OnMissingChannel == OnMissingValidate {
			return contracts.NewConfigurationError("channel", sub.Name, "validate policy requires a channel provisioner")
		}
		return nil
	}

	spec := sub.ChannelSpec()
	exists, err := d.provisioner.ChannelExists(ctx, spec)
	if err != nil {
		return &contracts.ChannelFailureError{Channel: sub.Name, Op: "check", Err: err}
	}
	if exists {
		return nil
	}
	if sub.OnMissingChannel == OnMissingValidate {
		return contracts.NewConfigurationError("channel", sub.Name, "channel does not exist and missing channel policy is validate")
	}

	if err := d.provisioner.CreateChannel(ctx, spec); err != nil {
		return &contracts.ChannelFailureError{Channel: sub.Name, Op: "create", Err: err}
	}
	d.logger.Info("channel created",
		"channel", sub.Name,
		"routingKey", sub.RoutingKey,
		"deadLetterRoutingKey", sub.DeadLetterRoutingKey,
	)
	return nil
}

func (d *Dispatcher) startLocked(ctx context.Context, sub Subscription) error {
	consumer, err := d.consumers.CreateConsumer(ctx, sub.ChannelSpec())
	if err != nil {
		return &contracts.ChannelFailureError{Channel: sub.Name, Op: "consume", Err: err}
	}

	opts := []Option{
		WithLogger(d.logger),
		WithInbox(d.inbox),
		WithDeadLetterProducer(d.deadLetters),
	}
	if sub.Mode == Proactor {
		opts = append(opts, WithWorkerPool(d.pool))
	}

	p := New(NewChannel(sub, consumer, d.logger), d.processor, d.mappers, opts...)
	if err := p.Start(d.runCtx); err != nil {
		return err
	}
	d.pumps[sub.Name] = p
	return nil
}
