package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"go.uber.org/zap"
)

// Broker defines the minimal subset of NATS operations the dispatcher
// depends on. This allows tests to provide a mock without requiring a
// running NATS server.
type Broker interface {
	// Publish publishes to JetStream.
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)

	// Subscribe creates a core NATS push subscription, used for result
	// reply subjects.
	Subscribe(subj string, cb nats.MsgHandler) (Subscription, error)

	// PullSubscribe binds a durable pull consumer on the task stream.
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (Subscription, error)

	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
}

// Subscription abstracts the subscription operations used by the
// dispatcher and worker.
type Subscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATS adapts a NATS connection plus JetStream context to the Broker
// interface.
func WrapNATS(conn *nats.Conn, js nats.JetStreamContext) Broker {
	return &natsBroker{conn: conn, js: js}
}

type natsBroker struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func (b *natsBroker) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return b.js.Publish(subj, data, opts...)
}

func (b *natsBroker) Subscribe(subj string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subj, cb)
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *natsBroker) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (Subscription, error) {
	sub, err := b.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *natsBroker) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return b.js.StreamInfo(stream)
}

func (b *natsBroker) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return b.js.AddStream(cfg)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) Drain() error       { return s.sub.Drain() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }
func (s *natsSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// EnsureTaskStream creates the JetStream task stream if it does not exist.
func EnsureTaskStream(broker Broker, streamName string, logger *zap.Logger) error {
	info, err := broker.StreamInfo(streamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for %q: %w", streamName, err)
		}
		logger.Info("Creating task stream", zap.String("stream", streamName))
		_, err = broker.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{fmt.Sprintf("%s.*", streamName)},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %q: %w", streamName, err)
		}
		return nil
	}

	logger.Info("Task stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", info.State.Msgs),
		zap.Int("consumers", info.State.Consumers))
	return nil
}

// BrokerDispatcher submits step execution units over the broker to a
// remote worker pool. Awaited submissions block on a unique reply subject;
// detached submissions route their result to the instance's completion
// subject, consumed by the CompletionConsumer.
type BrokerDispatcher struct {
	broker     Broker
	authorizer Authorizer
	stream     string
	subject    string
	logger     *zap.Logger

	// publishMaxTries bounds infrastructure retries for publish failures.
	publishMaxTries uint
}

var _ Dispatcher = (*BrokerDispatcher)(nil)

// NewBrokerDispatcher creates a broker-backed dispatcher publishing tasks
// to <stream>.dispatch. The authorization check runs on the submitting
// side so a denial never reaches the broker.
func NewBrokerDispatcher(broker Broker, authorizer Authorizer, stream string, logger *zap.Logger) (*BrokerDispatcher, error) {
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if authorizer == nil {
		return nil, errors.New("authorizer cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := EnsureTaskStream(broker, stream, logger); err != nil {
		return nil, err
	}
	return &BrokerDispatcher{
		broker:          broker,
		authorizer:      authorizer,
		stream:          stream,
		subject:         fmt.Sprintf("%s.dispatch", stream),
		logger:          logger,
		publishMaxTries: 4,
	}, nil
}

// CompletionSubject is the reply subject for detached results of one
// instance.
func CompletionSubject(instanceID string) string {
	return fmt.Sprintf("results.instance.%s", instanceID)
}

// Submit publishes the execution unit. Infrastructure failures (publish
// errors) are retried with exponential backoff, separate from the step's
// business retry policy, and surface as DispatchError when exhausted.
func (d *BrokerDispatcher) Submit(ctx context.Context, sub Submission, mode Mode) (*Result, error) {
	if err := d.authorizer.Authorize(ctx, sub.Context, sub.TargetRef); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch mode {
	case ModeDetach:
		task := NewTaskMessage(sub, correlationID, CompletionSubject(sub.Context.InstanceID))
		if err := d.publish(ctx, task); err != nil {
			return nil, err
		}
		return &Result{Status: process.StepAsyncDispatched}, nil

	case ModeAwait, "":
		replyTo := fmt.Sprintf("results.await.%s", correlationID)
		resultCh := make(chan *ResultMessage, 1)

		subscription, err := d.broker.Subscribe(replyTo, func(msg *nats.Msg) {
			result, err := UnmarshalResult(msg.Data)
			if err != nil {
				d.logger.Error("Discarding malformed result", zap.String("subject", replyTo), zap.Error(err))
				return
			}
			select {
			case resultCh <- result:
			default:
			}
		})
		if err != nil {
			return nil, sdkerrors.NewDispatchError("subscribe", "failed to subscribe to reply subject", err)
		}
		defer func() { _ = subscription.Unsubscribe() }()

		task := NewTaskMessage(sub, correlationID, replyTo)
		if err := d.publish(ctx, task); err != nil {
			return nil, err
		}

		// The await deadline adds headroom over the step timeout so the
		// worker's own timeout failure can still arrive as a result.
		awaitCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()

		select {
		case result := <-resultCh:
			return resultToOutcome(sub, result)
		case <-awaitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, sdkerrors.NewTimeoutError(sub.TargetRef, sub.Context.InstanceID,
				sub.Context.StepName, timeout.String(), sub.Context.Attempt)
		}

	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
}

// publish writes a task to the stream with infrastructure backoff.
func (d *BrokerDispatcher) publish(ctx context.Context, task *TaskMessage) error {
	data, err := task.Marshal()
	if err != nil {
		return err
	}

	operation := func() (struct{}, error) {
		_, err := d.broker.Publish(d.subject, data)
		return struct{}{}, err
	}
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(d.publishMaxTries))
	if err != nil {
		return sdkerrors.NewDispatchError("publish", fmt.Sprintf("failed to publish task for step %s", task.StepName), err)
	}
	return nil
}

// resultToOutcome converts a wire result into a dispatch outcome.
func resultToOutcome(sub Submission, result *ResultMessage) (*Result, error) {
	if result.Status == process.StepCompleted {
		return &Result{Status: process.StepCompleted, Outputs: result.Outputs}, nil
	}
	errInfo := result.Error
	if errInfo == nil {
		errInfo = &process.ErrorInfo{Message: "step failed without error detail"}
	}
	switch errInfo.Kind {
	case "timeout":
		return nil, sdkerrors.NewTimeoutError(sub.TargetRef, sub.Context.InstanceID,
			sub.Context.StepName, errInfo.Message, sub.Context.Attempt)
	case "authorization":
		return nil, sdkerrors.NewAuthorizationError(sub.Context.Initiator, sub.TargetRef, "invoke")
	}
	return nil, sdkerrors.NewTargetExecutionError(errInfo.Kind, errInfo.Message, sub.TargetRef, nil).
		WithAttempt(sub.Context.InstanceID, sub.Context.StepName, sub.Context.Attempt)
}

// CompletionConsumer subscribes to detached-step result subjects and
// forwards them to the engine's completion sink.
type CompletionConsumer struct {
	broker       Broker
	sink         CompletionSink
	logger       *zap.Logger
	subscription Subscription
}

// NewCompletionConsumer creates a consumer for detached results.
func NewCompletionConsumer(broker Broker, sink CompletionSink, logger *zap.Logger) (*CompletionConsumer, error) {
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &CompletionConsumer{broker: broker, sink: sink, logger: logger}, nil
}

// Start subscribes to all instance completion subjects.
func (c *CompletionConsumer) Start() error {
	sub, err := c.broker.Subscribe("results.instance.*", func(msg *nats.Msg) {
		result, err := UnmarshalResult(msg.Data)
		if err != nil {
			c.logger.Error("Discarding malformed completion", zap.Error(err))
			return
		}
		completion := Completion{
			InstanceID:  result.InstanceID,
			StepName:    result.StepName,
			Attempt:     result.Attempt,
			Outputs:     result.Outputs,
			CompletedAt: time.Now().UTC(),
		}
		if result.Status != process.StepCompleted {
			errInfo := result.Error
			if errInfo == nil {
				errInfo = &process.ErrorInfo{Message: "step failed without error detail"}
			}
			completion.Err = sdkerrors.NewTargetExecutionError(
				errInfo.Kind, errInfo.Message, errInfo.TargetRef, nil).
				WithAttempt(result.InstanceID, result.StepName, result.Attempt)
		}
		c.sink(completion)
	})
	if err != nil {
		return sdkerrors.NewDispatchError("subscribe", "failed to subscribe to completion subjects", err)
	}
	c.subscription = sub
	return nil
}

// Stop drains the completion subscription.
func (c *CompletionConsumer) Stop() error {
	if c.subscription == nil {
		return nil
	}
	return c.subscription.Drain()
}
