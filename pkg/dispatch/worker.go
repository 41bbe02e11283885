package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Worker consumes step execution units from the task stream and runs them
// through the injected Invoker. It pulls tasks in batches and distributes
// them to worker goroutines, reporting each outcome to the task's reply
// subject.
type Worker struct {
	broker     Broker
	invoker    Invoker
	authorizer Authorizer
	stream     string
	consumer   string
	batchSize  int
	numWorkers int
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewWorker creates a worker pool bound to a durable pull consumer on the
// task stream. batchSize is how many tasks to pull at once; numWorkers is
// the number of concurrent executors.
func NewWorker(broker Broker, invoker Invoker, authorizer Authorizer,
	stream, consumer string, batchSize, numWorkers int, logger *zap.Logger) (*Worker, error) {
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if invoker == nil {
		return nil, errors.New("invoker cannot be nil")
	}
	if authorizer == nil {
		return nil, errors.New("authorizer cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := EnsureTaskStream(broker, stream, logger); err != nil {
		return nil, err
	}

	return &Worker{
		broker:     broker,
		invoker:    invoker,
		authorizer: authorizer,
		stream:     stream,
		consumer:   consumer,
		batchSize:  batchSize,
		numWorkers: numWorkers,
		logger:     logger,
		tracer:     otel.Tracer("daedalus/worker"),
	}, nil
}

// Run starts the task processing pipeline. It blocks until the context is
// cancelled and all workers have finished.
func (w *Worker) Run(ctx context.Context) error {
	subscription, err := w.broker.PullSubscribe(
		fmt.Sprintf("%s.dispatch", w.stream), w.consumer)
	if err != nil {
		return sdkerrors.NewDispatchError("subscribe", "failed to bind task consumer", err)
	}
	defer func() { _ = subscription.Drain() }()

	taskChan := make(chan *nats.Msg, w.batchSize)
	var wg sync.WaitGroup

	for i := 0; i < w.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.worker(ctx, workerID, taskChan)
		}(i)
	}

	go func() {
		defer close(taskChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Shutting down task puller")
				return
			default:
				msgs, err := subscription.Fetch(w.batchSize, nats.MaxWait(2*time.Second))
				if err != nil {
					if errors.Is(err, nats.ErrTimeout) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					w.logger.Error("Error pulling tasks", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, msg := range msgs {
					select {
					case taskChan <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		w.logger.Info("Worker completed")
		return nil
	case <-ctx.Done():
		w.logger.Info("Worker stopped due to context cancellation")
		<-done
		return ctx.Err()
	}
}

// worker processes tasks from the channel.
func (w *Worker) worker(ctx context.Context, workerID int, taskChan <-chan *nats.Msg) {
	w.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer w.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case msg, ok := <-taskChan:
			if !ok {
				return
			}
			w.processTask(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

// processTask executes one task and publishes its result to the task's
// reply subject.
func (w *Worker) processTask(ctx context.Context, workerID int, msg *nats.Msg) {
	task, err := UnmarshalTask(msg.Data)
	if err != nil {
		w.logger.Error("Discarding malformed task", zap.Int("workerID", workerID), zap.Error(err))
		_ = msg.Term()
		return
	}

	ctx, span := w.tracer.Start(ctx, "worker.processTask",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("instance.id", task.InstanceID),
			attribute.String("step.name", task.StepName),
			attribute.String("target.ref", task.TargetRef),
			attribute.Int("attempt", task.Attempt),
		))
	defer span.End()

	start := time.Now()
	w.logger.Info("Executing step task",
		zap.Int("workerID", workerID),
		zap.String("instanceID", task.InstanceID),
		zap.String("step", task.StepName),
		zap.String("target", task.TargetRef),
		zap.Int("attempt", task.Attempt))

	outputs, execErr := w.execute(ctx, task)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	var result *ResultMessage
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		w.logger.Error("Step task failed",
			zap.Int("workerID", workerID),
			zap.String("instanceID", task.InstanceID),
			zap.String("step", task.StepName),
			zap.Duration("elapsed", elapsed),
			zap.Error(execErr))
		result = NewResultMessage(task, process.StepFailed, nil, errorInfoFrom(task, execErr))
	} else {
		span.SetStatus(codes.Ok, "step completed")
		w.logger.Info("Step task completed",
			zap.Int("workerID", workerID),
			zap.String("instanceID", task.InstanceID),
			zap.String("step", task.StepName),
			zap.Duration("elapsed", elapsed))
		result = NewResultMessage(task, process.StepCompleted, outputs, nil)
	}

	if err := w.report(task, result); err != nil {
		w.logger.Error("Error reporting task result",
			zap.Int("workerID", workerID),
			zap.String("instanceID", task.InstanceID),
			zap.String("step", task.StepName),
			zap.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Error("Error naking task", zap.Error(nakErr))
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.logger.Error("Error acking task", zap.Error(ackErr))
	}
}

// execute authorizes and invokes the target under the task's deadline.
func (w *Worker) execute(ctx context.Context, task *TaskMessage) (map[string]interface{}, error) {
	ec := task.ExecutionContext()
	if err := w.authorizer.Authorize(ctx, ec, task.TargetRef); err != nil {
		return nil, err
	}

	timeout := task.Timeout()
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outputs, err := w.invoker.Invoke(invokeCtx, ec, task.TargetRef, task.Inputs, timeout)
	if err != nil {
		if invokeCtx.Err() == context.DeadlineExceeded {
			return nil, sdkerrors.NewTimeoutError(task.TargetRef, task.InstanceID,
				task.StepName, timeout.String(), task.Attempt)
		}
		return nil, err
	}
	return outputs, nil
}

// report publishes the result to the task's reply subject.
func (w *Worker) report(task *TaskMessage, result *ResultMessage) error {
	data, err := result.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.broker.Publish(task.ReplyTo, data); err != nil {
		return sdkerrors.NewDispatchError("publish", "failed to publish result", err)
	}
	return nil
}

// errorInfoFrom translates an execution error into wire error info.
func errorInfoFrom(task *TaskMessage, err error) *process.ErrorInfo {
	info := &process.ErrorInfo{
		StepName:  task.StepName,
		TargetRef: task.TargetRef,
		Attempt:   task.Attempt,
		Message:   err.Error(),
	}
	switch {
	case sdkerrors.IsTimeout(err):
		info.Kind = "timeout"
	case sdkerrors.IsAuthorization(err):
		info.Kind = "authorization"
	case sdkerrors.IsDispatch(err):
		info.Kind = "dispatch"
	default:
		info.Kind = "execution"
		var execErr *sdkerrors.TargetExecutionError
		if errors.As(err, &execErr) && execErr.Kind != "" {
			info.Kind = execErr.Kind
		}
	}
	return info
}
