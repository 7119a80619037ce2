package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	"github.com/goliatone/go-openbanking/core"
)

// MessagePrefix namespaces every openbanking command and query type.
const MessagePrefix = "openbanking."

// ValidateMessageContract enforces Type() plus optional Validate() contract.
// Validation failures keep their own envelope; contract failures are BadInput.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return core.NewError(core.ErrorKindBadInput, "gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return core.NewError(core.ErrorKindBadInput, "gocommand: message type is required")
	}
	return nil
}

// IsOpenBankingMessage reports whether msg belongs to the openbanking surface.
func IsOpenBankingMessage(msg any) bool {
	if command.IsNilMessage(msg) {
		return false
	}
	m, ok := msg.(command.Message)
	return ok && strings.HasPrefix(strings.TrimSpace(m.Type()), MessagePrefix)
}

func errRegistryNotConfigured() error {
	return core.NewError(core.ErrorKindConfiguration, "gocommand: registry is not configured")
}

// Bus binds openbanking handlers to a go-command registry and the process
// dispatcher. Every handler it registers checks the message contract first.
type Bus struct {
	registry   *command.Registry
	runnerOpts []runner.Option
}

// NewBus wraps registry. runnerOpts apply to every subscription.
func NewBus(registry *command.Registry, runnerOpts ...runner.Option) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry, runnerOpts: runnerOpts}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

func (b *Bus) ready() error {
	if b == nil || b.registry == nil {
		return errRegistryNotConfigured()
	}
	return nil
}

func (b *Bus) AddResolver(key string, resolver command.Resolver) error {
	if err := b.ready(); err != nil {
		return err
	}
	return b.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// MirrorToQueue copies every registered handler into queueRegistry at
// Initialize so queued refresh and revoke jobs resolve to the same code.
func (b *Bus) MirrorToQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return core.NewError(core.ErrorKindConfiguration, "gocommand: queue registry is required")
	}
	return b.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (b *Bus) HasResolver(key string) bool {
	if b.ready() != nil {
		return false
	}
	return b.registry.HasResolver(strings.TrimSpace(key))
}

func (b *Bus) Initialize() error {
	if err := b.ready(); err != nil {
		return err
	}
	return b.registry.Initialize()
}

type validatedCommand[T any] struct {
	next command.Commander[T]
}

func (c validatedCommand[T]) Execute(ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return c.next.Execute(ctx, msg)
}

type validatedQuery[T any, R any] struct {
	next command.Querier[T, R]
}

func (q validatedQuery[T, R]) Query(ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return q.next.Query(ctx, msg)
}

// requireSurface rejects handlers for message types outside MessagePrefix.
// T must be a value type.
func requireSurface[T any]() error {
	var zero T
	if IsOpenBankingMessage(zero) {
		return nil
	}
	return core.NewErrorWithMetadata(
		core.ErrorKindBadInput,
		nil,
		"gocommand: handler message is not an openbanking message",
		map[string]any{"message_type": fmt.Sprintf("%T", zero)},
	)
}

// HandleCommand registers cmd and subscribes it on the dispatcher.
func HandleCommand[T any](bus *Bus, cmd command.Commander[T]) (commanddispatcher.Subscription, error) {
	if err := bus.ready(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, core.NewError(core.ErrorKindBadInput, "gocommand: command is required")
	}
	if err := requireSurface[T](); err != nil {
		return nil, err
	}
	handler := validatedCommand[T]{next: cmd}
	if err := bus.registry.RegisterCommand(handler); err != nil {
		return nil, err
	}
	return commanddispatcher.SubscribeCommand[T](handler, bus.runnerOpts...), nil
}

// HandleQuery registers qry and subscribes it on the dispatcher.
func HandleQuery[T any, R any](bus *Bus, qry command.Querier[T, R]) (commanddispatcher.Subscription, error) {
	if err := bus.ready(); err != nil {
		return nil, err
	}
	if qry == nil {
		return nil, core.NewError(core.ErrorKindBadInput, "gocommand: query is required")
	}
	if err := requireSurface[T](); err != nil {
		return nil, err
	}
	handler := validatedQuery[T, R]{next: qry}
	if err := bus.registry.RegisterCommand(handler); err != nil {
		return nil, err
	}
	return commanddispatcher.SubscribeQuery[T, R](handler, bus.runnerOpts...), nil
}

// Dispatch validates msg and sends it to its subscribed command handler.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query validates msg and returns the subscribed query handler's answer.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}
