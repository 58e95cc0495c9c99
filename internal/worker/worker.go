// Package worker exposes the media service over NATS request/reply: generation
// requests, task status queries and provider completion notifications.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/orchestrator"
	"github.com/book-expert/media-service/internal/reconciler"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultHandleTimeout = 30 * time.Second
	queueGroup           = "media-service"
	// waitHeadroom is kept free of a status wait so the reply still fits in
	// the handler timeout.
	waitHeadroom = time.Second
)

var (
	// ErrSubjectEmpty indicates a worker configured without a subject.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrTaskIDEmpty indicates a status request without a task id.
	ErrTaskIDEmpty = errors.New("task id cannot be empty")
)

// Generator is the orchestration surface the worker serves.
type Generator interface {
	Generate(ctx context.Context, req core.Request) (orchestrator.Outcome, error)
	GenerateChunks(ctx context.Context, entityID string, chunks []string, req core.Request) ([]orchestrator.Outcome, error)
	GetStatus(ctx context.Context, taskID string) (core.GenerationTask, error)
	Wait(ctx context.Context, taskID string) (core.GenerationTask, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// NotificationHandler applies provider completion notifications and reports
// terminal tasks.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n reconciler.Notification) (reconciler.Outcome, error)
	OnTerminal(ctx context.Context, taskID string, callback reconciler.Callback) error
}

// Subjects names the NATS subjects the worker listens on. Events is optional;
// when set, terminal states of accepted tasks are published there.
type Subjects struct {
	Generate   string
	Status     string
	Completion string
	Events     string
}

// NatsWorker listens for media requests on NATS subjects and answers them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       Subjects
	generator      Generator
	notifications  NotificationHandler
	handleTimeout  time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects Subjects,
	generator Generator,
	notifications NotificationHandler,
	handleTimeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	if subjects.Generate == "" || subjects.Status == "" || subjects.Completion == "" {
		return nil, ErrSubjectEmpty
	}

	if handleTimeout <= 0 {
		handleTimeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		generator:      generator,
		notifications:  notifications,
		handleTimeout:  handleTimeout,
		log:            log,
		now:            time.Now,
	}, nil
}

// Run subscribes to every subject and blocks until ctx is done, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		w.subjects.Generate:   w.handleGenerate,
		w.subjects.Status:     w.handleStatus,
		w.subjects.Completion: w.handleCompletion,
	}

	subscriptions := make([]*nats.Subscription, 0, len(handlers))

	for subject, handler := range handlers {
		sub, err := w.natsConnection.QueueSubscribe(subject, queueGroup, handler)
		if err != nil {
			drainAll(subscriptions)

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subscriptions = append(subscriptions, sub)
	}

	w.log.Info("Listening on %s, %s and %s", w.subjects.Generate, w.subjects.Status, w.subjects.Completion)

	<-ctx.Done()

	drainErr := drainAll(subscriptions)
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscriptions: %w", drainErr)
	}

	return nil
}

func drainAll(subscriptions []*nats.Subscription) error {
	var errs []error

	for _, sub := range subscriptions {
		err := sub.Drain()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (w *NatsWorker) handleGenerate(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
	defer cancel()

	var request GenerateRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.log.Error("Failed to unmarshal generate request: %v", err)
		w.respond(msg, GenerateReply{Header: w.replyHeader(events.EventHeader{}), Error: fmt.Sprintf("failed to unmarshal request: %v", err), ErrorKind: core.KindInvalidRequest})

		return
	}

	header := w.replyHeader(request.Header)

	if len(request.Chunks) > 0 {
		w.handleChunks(ctx, msg, header, request)

		return
	}

	outcome, err := w.generator.Generate(ctx, request.Request)
	if err != nil {
		w.log.Error("Failed to generate %s for workflow %s: %v", request.Request.Media, header.WorkflowID, err)
		w.respond(msg, GenerateReply{Header: header, Error: err.Error(), ErrorKind: core.KindOf(err)})

		return
	}

	reply := GenerateReply{
		Header:              header,
		Provider:            outcome.Provider,
		Status:              outcome.Status,
		Artifact:            nil,
		TaskID:              outcome.TaskID,
		EstimatedCompletion: outcome.EstimatedCompletion,
		CacheHit:            outcome.CacheHit,
		Error:               "",
		ErrorKind:           "",
	}

	if outcome.TaskID == "" {
		ref := artifactRef(outcome)
		reply.Artifact = &ref

		w.log.Info("Workflow %s: %s from %s (%s, cache hit %t)", header.WorkflowID, request.Request.Media,
			outcome.Provider, humanize.Bytes(uint64(outcome.Artifact.Size())), outcome.CacheHit)
	} else {
		w.log.Info("Workflow %s: task %s accepted by %s", header.WorkflowID, outcome.TaskID, outcome.Provider)
		w.watchTask(ctx, header, outcome.TaskID)
	}

	w.respond(msg, reply)
}

func (w *NatsWorker) handleChunks(ctx context.Context, msg *nats.Msg, header events.EventHeader, request GenerateRequest) {
	outcomes, err := w.generator.GenerateChunks(ctx, request.Request.EntityID, request.Chunks, request.Request)
	if err != nil {
		w.log.Error("Failed to generate %d chunks for workflow %s: %v", len(request.Chunks), header.WorkflowID, err)
		w.respond(msg, GenerateReply{Header: header, Error: err.Error(), ErrorKind: core.KindOf(err)})

		return
	}

	reply := GenerateReply{Header: header, Status: core.TaskStatusCompleted, Chunks: make([]ArtifactRef, 0, len(outcomes))}

	var total int64

	for _, outcome := range outcomes {
		reply.Chunks = append(reply.Chunks, artifactRef(outcome))
		reply.Provider = outcome.Provider
		total += outcome.Artifact.Size()
	}

	w.log.Info("Workflow %s: %d chunks for %s (%s)", header.WorkflowID, len(outcomes), request.Request.EntityID,
		humanize.Bytes(uint64(total)))
	w.respond(msg, reply)
}

func artifactRef(outcome orchestrator.Outcome) ArtifactRef {
	return ArtifactRef{
		Key:         outcome.CacheKey,
		URL:         outcome.Artifact.URL,
		ContentType: outcome.Artifact.ContentType,
		SizeBytes:   outcome.Artifact.Size(),
		Metadata:    outcome.Artifact.Metadata,
	}
}

// watchTask publishes a TaskEvent on the events subject once taskID is terminal.
func (w *NatsWorker) watchTask(ctx context.Context, header events.EventHeader, taskID string) {
	if w.subjects.Events == "" || w.notifications == nil {
		return
	}

	err := w.notifications.OnTerminal(ctx, taskID, func(task core.GenerationTask) {
		w.publishEvent(header, task)
	})
	if err != nil {
		w.log.Warn("Failed to watch task %s: %v", taskID, err)
	}
}

func (w *NatsWorker) publishEvent(header events.EventHeader, task core.GenerationTask) {
	event := TaskEvent{Header: w.replyHeader(header), Task: task}

	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error("Failed to marshal event for task %s: %v", task.TaskID, err)

		return
	}

	err = w.natsConnection.Publish(w.subjects.Events, data)
	if err != nil {
		w.log.Error("Failed to publish event for task %s: %v", task.TaskID, err)

		return
	}

	w.log.Info("Task %s %s, event published on %s", task.TaskID, task.Status, w.subjects.Events)
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
	defer cancel()

	var request StatusRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.log.Error("Failed to unmarshal status request: %v", err)
		w.respond(msg, StatusReply{Header: w.replyHeader(events.EventHeader{}), Error: fmt.Sprintf("failed to unmarshal request: %v", err)})

		return
	}

	reply := StatusReply{Header: w.replyHeader(request.Header), Task: nil, Cancelled: false, Error: ""}

	if request.TaskID == "" {
		reply.Error = ErrTaskIDEmpty.Error()
		w.respond(msg, reply)

		return
	}

	if request.Cancel {
		cancelled, cancelErr := w.generator.Cancel(ctx, request.TaskID)
		if cancelErr != nil {
			w.log.Warn("Failed to cancel task %s: %v", request.TaskID, cancelErr)
			reply.Error = cancelErr.Error()
		}

		reply.Cancelled = cancelled
	}

	task, err := w.status(ctx, request)
	if err != nil {
		if reply.Error == "" {
			reply.Error = err.Error()
		}

		w.respond(msg, reply)

		return
	}

	reply.Task = &task
	w.respond(msg, reply)
}

// status answers with the task, holding the reply while WaitSeconds allows.
func (w *NatsWorker) status(ctx context.Context, request StatusRequest) (core.GenerationTask, error) {
	if request.WaitSeconds <= 0 || request.Cancel {
		return w.generator.GetStatus(ctx, request.TaskID)
	}

	wait := min(time.Duration(request.WaitSeconds)*time.Second, w.handleTimeout-waitHeadroom)
	if wait <= 0 {
		return w.generator.GetStatus(ctx, request.TaskID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	task, err := w.generator.Wait(waitCtx, request.TaskID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return w.generator.GetStatus(ctx, request.TaskID)
	}

	return task, err
}

func (w *NatsWorker) handleCompletion(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
	defer cancel()

	var notification reconciler.Notification

	err := json.Unmarshal(msg.Data, &notification)
	if err != nil {
		w.log.Error("Failed to unmarshal completion notification: %v", err)
		w.respond(msg, CompletionAck{Header: w.replyHeader(events.EventHeader{}), Error: fmt.Sprintf("failed to unmarshal notification: %v", err)})

		return
	}

	ack := CompletionAck{Header: w.replyHeader(events.EventHeader{}), TaskID: notification.TaskID, Applied: false, Anomaly: false, Error: ""}

	outcome, err := w.notifications.HandleNotification(ctx, notification)
	if err != nil {
		w.log.Error("Failed to apply completion of task %s: %v", notification.TaskID, err)
		ack.Error = err.Error()
	}

	ack.Applied = outcome.Applied
	ack.Anomaly = outcome.Anomaly
	w.respond(msg, ack)
}

// replyHeader keeps the caller's workflow and stamps a fresh event.
func (w *NatsWorker) replyHeader(in events.EventHeader) events.EventHeader {
	workflowID := in.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return events.EventHeader{
		Timestamp:  w.now().UTC(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     in.UserID,
		TenantID:   in.TenantID,
	}
}

// respond marshals reply and answers msg. Fire-and-forget messages get no reply.
func (w *NatsWorker) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply: %v", err)
	}
}
