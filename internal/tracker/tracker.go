// Package tracker implements the Tracker service (§4.3): it converts a
// SentEvent into a CompletionEvent once a downstream task has reached a
// completed status, so the Worker can complete the engine task. The Tracker
// never completes the engine task itself — that stays the Worker's sole
// responsibility, preserving linearizability at the engine boundary.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/worker"
)

// DownstreamClient is the subset of bitrix.Client the Tracker depends on.
type DownstreamClient interface {
	GetTask(ctx context.Context, taskID int64) (downstream.DownstreamTask, error)
}

// Config configures the Tracker.
type Config struct {
	ResponsesQueue string
	Batch          int
	// AnswerLabels maps a downstream resultAnswer enum id to its human
	// label, per §4.3 step 5's "configurable mapping". An id with no entry
	// falls back to the task's own ResultAnswerText.
	AnswerLabels map[int64]string
}

// Tracker polls a set of sent-queues and promotes completed downstream
// tasks into CompletionEvents on the responses-queue.
type Tracker struct {
	downstream DownstreamClient
	broker     mq.Broker
	cfg        Config
	logger     *logging.Logger
}

// New builds a Tracker.
func New(downstreamClient DownstreamClient, broker mq.Broker, cfg Config, logger *logging.Logger) *Tracker {
	if cfg.Batch <= 0 {
		cfg.Batch = 20
	}
	if cfg.AnswerLabels == nil {
		cfg.AnswerLabels = map[int64]string{}
	}
	return &Tracker{downstream: downstreamClient, broker: broker, cfg: cfg, logger: logger}
}

// PollQueue runs one iteration against a single sent-queue: consumes up to
// cfg.Batch messages without auto-ack and handles each (§4.3 step 1).
func (tr *Tracker) PollQueue(ctx context.Context, sentQueue string) error {
	deliveries, err := tr.broker.Consume(ctx, sentQueue, tr.cfg.Batch)
	if err != nil {
		return fmt.Errorf("consume sent queue %q: %w", sentQueue, err)
	}
	for _, d := range deliveries {
		tr.handleMessage(ctx, d)
	}
	return nil
}

func (tr *Tracker) handleMessage(ctx context.Context, d mq.Delivery) {
	var event worker.CompletionEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		tr.logger.WithContext(ctx).WithError(err).Error("decode sent event failed, requeueing")
		_ = d.Nack(true)
		return
	}

	taskID, ok := extractTaskID(event.ResponseData)
	if !ok {
		tr.logger.WithContext(ctx).Warn("sent event carries no downstream task id, requeueing")
		_ = d.Nack(true)
		return
	}

	task, err := tr.downstream.GetTask(ctx, taskID)
	if err != nil {
		tr.logger.WithContext(ctx).WithError(err).WithField("downstreamTaskId", taskID).Warn("fetch downstream task failed, requeueing")
		_ = d.Nack(true)
		return
	}

	if !downstream.IsCompleted(task.Status) {
		_ = d.Nack(true)
		return
	}

	completion := worker.CompletionEvent{
		OriginalMessage: event.OriginalMessage,
		ResponseData: map[string]interface{}{
			"result": map[string]interface{}{
				"task": tr.taskToResponseData(task),
			},
		},
		ProcessingStatus: "completed_by_tracker",
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(completion)
	if err != nil {
		tr.logger.WithContext(ctx).WithError(err).Error("marshal completion event failed, requeueing")
		_ = d.Nack(true)
		return
	}

	if err := tr.broker.Publish(ctx, "", tr.cfg.ResponsesQueue, body); err != nil {
		tr.logger.WithContext(ctx).WithError(err).Error("publish completion event failed, requeueing")
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()
}

// taskToResponseData renders the fresh downstream task in the
// responseData.result.task shape internal/worker.applyResponseFields reads.
func (tr *Tracker) taskToResponseData(task downstream.DownstreamTask) map[string]interface{} {
	label := tr.resolveAnswerLabel(task.ResultAnswer, task.ResultAnswerText)
	return map[string]interface{}{
		"id":               task.ID,
		"title":            task.Title,
		"status":           int64(task.Status),
		"resultAnswerText": label,
		"resultExpected":   task.ResultExpected,
	}
}

func (tr *Tracker) resolveAnswerLabel(answerID int64, fallback string) string {
	if answerID == 0 {
		return fallback
	}
	if label, ok := tr.cfg.AnswerLabels[answerID]; ok {
		return label
	}
	return fallback
}

// extractTaskID reads responseData.result.task.id (§4.3 step 2), accepting
// the shapes JSON decoding of a sent-queue message can produce.
func extractTaskID(responseData map[string]interface{}) (int64, bool) {
	if responseData == nil {
		return 0, false
	}
	result, _ := responseData["result"].(map[string]interface{})
	if result == nil {
		return 0, false
	}
	task, _ := result["task"].(map[string]interface{})
	if task == nil {
		return 0, false
	}
	raw, ok := task["id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
