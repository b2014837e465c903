// Package worker implements the engine-side service (§4.1): per-topic
// fetchAndLock loops that publish TaskPayloads to system queues, and a
// response-drain loop that completes engine tasks from CompletionEvents
// (engine tasks are failed back only from the dispatch path). Grounded on the teacher's worker-pool/dispatch style
// (per-topic goroutines sharing a stop signal) via internal/service.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vlikhobabin/exchanger/internal/bpmnxml"
	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/engine"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/variable"
)

// EngineClient is the subset of engine.Client the Worker depends on.
type EngineClient interface {
	WorkerID() string
	FetchAndLock(ctx context.Context, maxTasks int, topics []engine.TopicFilter) ([]engine.ExternalTask, error)
	Complete(ctx context.Context, taskID string, vars variable.Bag) error
	Failure(ctx context.Context, taskID, errorMessage, errorDetails string, retries int, retryTimeout time.Duration) error
	ProcessInstanceVariables(ctx context.Context, processInstanceID string) (variable.Bag, error)
}

// MetadataCache is the subset of bpmncache.Cache the Worker depends on.
type MetadataCache interface {
	Lookup(ctx context.Context, processDefinitionID, activityID string) (bpmnxml.ElementMetadata, bool, error)
}

// TaskPayload is the Worker-to-system-queue envelope (§3).
type TaskPayload struct {
	TaskID               string                 `json:"taskId"`
	Topic                string                 `json:"topic"`
	Variables            map[string]interface{} `json:"variables"`
	ProcessVariables      map[string]interface{} `json:"processVariables"`
	ProcessInstanceID     string                 `json:"processInstanceId"`
	ProcessDefinitionID   string                 `json:"processDefinitionId"`
	ProcessDefinitionKey  string                 `json:"processDefinitionKey"`
	ActivityID            string                 `json:"activityId"`
	ActivityInstanceID    string                 `json:"activityInstanceId"`
	WorkerID              string                 `json:"workerId"`
	Retries               *int                   `json:"retries"`
	CreateTime            string                 `json:"createTime"`
	Priority              int64                  `json:"priority"`
	TenantID              string                 `json:"tenantId"`
	BusinessKey           string                 `json:"businessKey"`
	Metadata              *ElementMetadataWire   `json:"metadata,omitempty"`
}

// ElementMetadataWire is bpmnxml.ElementMetadata's wire shape.
type ElementMetadataWire struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Documentation       string            `json:"documentation"`
	ExtensionProperties  map[string]string `json:"extensionProperties"`
}

// CompletionEvent is the responses-queue envelope the Tracker publishes and
// the Worker consumes (§3). The Task-Creator publishes the same shape to the
// sent-queue as its SentEvent.
type CompletionEvent struct {
	OriginalMessage json.RawMessage        `json:"originalMessage"`
	ResponseData    map[string]interface{} `json:"responseData"`
	ProcessingStatus string                `json:"processingStatus"`
	ProcessedAt     string                 `json:"processedAt"`
}

// Config configures Worker topic polling.
type Config struct {
	Exchange       string
	ResponsesQueue string
	ErrorsQueue    string
	MaxTasks       int
	LockDuration   time.Duration
	ResponseBatch  int
}

// Worker runs the engine-side fetch/dispatch and response-drain loops.
type Worker struct {
	engine  EngineClient
	broker  mq.Broker
	cache   MetadataCache
	cfg     Config
	logger  *logging.Logger
}

// New builds a Worker.
func New(engineClient EngineClient, broker mq.Broker, cache MetadataCache, cfg Config, logger *logging.Logger) *Worker {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 10
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 60 * time.Second
	}
	if cfg.ResponseBatch <= 0 {
		cfg.ResponseBatch = 10
	}
	return &Worker{engine: engineClient, broker: broker, cache: cache, cfg: cfg, logger: logger}
}

// FetchAndDispatch runs one iteration of the per-topic fetch loop (§4.1
// steps 1-3): fetchAndLock, assemble TaskPayloads, publish to the topic
// queue. Publish failures fail the engine task back so the lock releases
// (never ack to the engine before publish succeeds).
func (w *Worker) FetchAndDispatch(ctx context.Context, topic string) error {
	tasks, err := w.engine.FetchAndLock(ctx, w.cfg.MaxTasks, []engine.TopicFilter{
		{TopicName: topic, LockDuration: w.cfg.LockDuration.Milliseconds()},
	})
	if err != nil {
		return fmt.Errorf("fetchAndLock topic %q: %w", topic, err)
	}

	for _, task := range tasks {
		if err := w.dispatchOne(ctx, task); err != nil {
			w.logger.LogTaskLifecycle(ctx, topic, task.ID, "dispatch-failed", err)
		}
	}
	return nil
}

func (w *Worker) dispatchOne(ctx context.Context, task engine.ExternalTask) error {
	bag, err := task.VariableBag()
	if err != nil {
		return w.failTask(ctx, task, fmt.Errorf("decode variables: %w", err))
	}

	processVars, err := w.engine.ProcessInstanceVariables(ctx, task.ProcessInstanceID)
	if err != nil {
		// Process variables are an enrichment, not a correctness requirement
		// for dispatch; log and continue with an empty set.
		w.logger.WithContext(ctx).WithError(err).Warn("fetch process variables failed")
		processVars = variable.Bag{}
	}

	var metaWire *ElementMetadataWire
	if w.cache != nil {
		meta, found, err := w.cache.Lookup(ctx, task.ProcessDefinitionID, task.ActivityID)
		if err != nil {
			w.logger.WithContext(ctx).WithError(err).Warn("bpmn metadata lookup failed")
		} else if found {
			metaWire = &ElementMetadataWire{
				ID:                  meta.ID,
				Name:                meta.Name,
				Documentation:       meta.Documentation,
				ExtensionProperties: meta.ExtensionProperties,
			}
		}
	}

	payload := TaskPayload{
		TaskID:               task.ID,
		Topic:                task.TopicName,
		Variables:            bagToWireInterfaceMap(bag),
		ProcessVariables:     bagToWireInterfaceMap(processVars),
		ProcessInstanceID:    task.ProcessInstanceID,
		ProcessDefinitionID:  task.ProcessDefinitionID,
		ProcessDefinitionKey: task.ProcessDefinitionKey,
		ActivityID:           task.ActivityID,
		ActivityInstanceID:   task.ActivityInstanceID,
		WorkerID:             w.engine.WorkerID(),
		Retries:              task.Retries,
		CreateTime:           time.Now().UTC().Format(time.RFC3339),
		Priority:             task.Priority,
		TenantID:             task.TenantID,
		BusinessKey:          task.BusinessKey,
		Metadata:             metaWire,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return w.failTask(ctx, task, fmt.Errorf("marshal task payload: %w", err))
	}

	if err := w.publishWithRetry(ctx, task.TopicName, body); err != nil {
		return w.failTask(ctx, task, fmt.Errorf("publish permanently failed: %w", err))
	}

	w.logger.LogTaskLifecycle(ctx, task.TopicName, task.ID, "dispatched", nil)
	return nil
}

// publishWithRetry retries a publish up to 3 times with a small linear
// backoff, per §4.1 step 3.
func (w *Worker) publishWithRetry(ctx context.Context, topic string, body []byte) error {
	const maxAttempts = 4 // one initial attempt plus up to 3 retries
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.broker.Publish(ctx, w.cfg.Exchange, topic, body); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	return lastErr
}

// failTask releases the engine lock after a permanent dispatch failure; this
// is the Worker's one CRITICAL invariant (§7): never ack before publish
// succeeds, and always fail the task back when it cannot.
func (w *Worker) failTask(ctx context.Context, task engine.ExternalTask, cause error) error {
	w.logger.WithContext(ctx).WithError(cause).Error("failing task back to engine after dispatch failure")
	if err := w.engine.Failure(ctx, task.ID, cause.Error(), "", 0, 0); err != nil {
		return fmt.Errorf("fail task %q after dispatch error (%v): %w", task.ID, cause, err)
	}
	return cause
}

// DrainResponses runs one iteration of the response-drain loop (§4.1 steps
// on the responses-queue): pulls up to ResponseBatch messages, resolves each
// into engine variables, and completes the engine task. A complete call that
// fails with anything but 404 sends the message to the errors queue; the
// engine task is not failed from here.
func (w *Worker) DrainResponses(ctx context.Context) error {
	deliveries, err := w.broker.Consume(ctx, w.cfg.ResponsesQueue, w.cfg.ResponseBatch)
	if err != nil {
		return fmt.Errorf("consume responses queue: %w", err)
	}

	for _, d := range deliveries {
		w.handleResponse(ctx, d)
	}
	return nil
}

func (w *Worker) handleResponse(ctx context.Context, d mq.Delivery) {
	var event CompletionEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		w.toErrors(ctx, d.Body, "DECODE_ERROR", err.Error())
		_ = d.Ack()
		return
	}

	var original TaskPayload
	if len(event.OriginalMessage) > 0 {
		_ = json.Unmarshal(event.OriginalMessage, &original)
	}
	if original.TaskID == "" {
		w.toErrors(ctx, d.Body, "MISSING_TASK_ID", "completion event carries no taskId")
		_ = d.Ack()
		return
	}

	vars := BuildCompletionVariables(original, event.ResponseData)

	err := w.engine.Complete(ctx, original.TaskID, vars)
	switch {
	case err == nil:
		w.logger.LogTaskLifecycle(ctx, original.Topic, original.TaskID, "completed", nil)
		_ = d.Ack()
	case engine.IsNotFound(err):
		// §4.1 step 3, §7: 404 is treated as success.
		w.logger.LogTaskLifecycle(ctx, original.Topic, original.TaskID, "completed-404", nil)
		_ = d.Ack()
	default:
		w.toErrors(ctx, d.Body, "ENGINE_COMPLETE_FAILED", err.Error())
		_ = d.Ack()
	}
}

func (w *Worker) toErrors(ctx context.Context, originalMessage []byte, errorType, message string) {
	envelope := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"originalMessage": json.RawMessage(originalMessage),
		"errorType":       errorType,
		"errorMessage":    message,
		"suggestedAction": "manual review required",
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("marshal error envelope failed")
		return
	}
	if err := w.broker.Publish(ctx, "", w.cfg.ErrorsQueue, body); err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("publish to errors queue failed")
	}
}

// BuildCompletionVariables assembles the engine complete() variable map from
// the original TaskPayload's variables overlaid with the normalized
// responseData fields (§4.1.1), the questionnaire expansion (§4.1.2), and
// the activity answer variable (§4.1.3).
func BuildCompletionVariables(original TaskPayload, responseData map[string]interface{}) variable.Bag {
	vars := variable.Bag{}
	for name, raw := range original.Variables {
		if v, err := variable.FromNative(raw); err == nil {
			vars[name] = v
		}
	}

	task := extractTask(responseData)
	if task != nil {
		applyResponseFields(vars, task)
		applyQuestionnaires(vars, original.ActivityID, task)
		applyAnswerVariable(vars, original.ActivityID, task)
	}

	return vars
}

func extractTask(responseData map[string]interface{}) map[string]interface{} {
	if responseData == nil {
		return nil
	}
	result, _ := responseData["result"].(map[string]interface{})
	if result == nil {
		return nil
	}
	task, _ := result["task"].(map[string]interface{})
	return task
}

// applyResponseFields copies the strict subset of downstream fields allowed
// into engine variables (§4.1.1): id, title, status, resolved answer text.
func applyResponseFields(vars variable.Bag, task map[string]interface{}) {
	if id, ok := task["id"]; ok {
		vars["downstreamTaskId"] = mustVariable(id)
	}
	if title, ok := task["title"].(string); ok {
		vars["downstreamTaskTitle"] = variable.String(title)
	}
	if status, ok := task["status"]; ok {
		vars["downstreamTaskStatus"] = mustVariable(status)
	}
	if answerText, ok := task["resultAnswerText"].(string); ok {
		vars["downstreamResultAnswerText"] = variable.String(answerText)
	}
}

func mustVariable(raw interface{}) variable.Variable {
	v, err := variable.FromNative(raw)
	if err != nil {
		return variable.String(fmt.Sprintf("%v", raw))
	}
	return v
}

// applyQuestionnaires expands responseData.questionnaires.items[*].questions[*]
// into flat process variables named {activityId}_{questionnaireCode}_{questionCode}
// with the type coercion rules of §4.1.2.
func applyQuestionnaires(vars variable.Bag, activityID string, task map[string]interface{}) {
	questionnaires, _ := task["questionnaires"].(map[string]interface{})
	if questionnaires == nil {
		return
	}
	items, _ := questionnaires["items"].([]interface{})
	for _, rawItem := range items {
		item, _ := rawItem.(map[string]interface{})
		if item == nil {
			continue
		}
		code, _ := item["CODE"].(string)
		questions, _ := item["questions"].([]interface{})
		for _, rawQ := range questions {
			q, _ := rawQ.(map[string]interface{})
			if q == nil {
				continue
			}
			qCode, _ := q["CODE"].(string)
			qType, _ := q["TYPE"].(string)
			answer := q["answer"]
			name := fmt.Sprintf("%s_%s_%s", activityID, code, qCode)
			vars[name] = coerceQuestionnaireAnswer(qType, answer)
		}
	}
}

func coerceQuestionnaireAnswer(qType string, raw interface{}) variable.Variable {
	switch qType {
	case "boolean":
		// Null raw must coerce to false so downstream gateways see a
		// concrete boolean (§4.1.2).
		return variable.Bool(downstream.ResultExpected(raw))
	case "integer":
		switch v := raw.(type) {
		case float64:
			return variable.Long(int64(v))
		case string:
			var n int64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return variable.Long(n)
			}
			return variable.String(v)
		default:
			return variable.String(fmt.Sprintf("%v", raw))
		}
	case "string", "date":
		if s, ok := raw.(string); ok {
			return variable.String(s)
		}
		return variable.String(fmt.Sprintf("%v", raw))
	default:
		if raw == nil {
			return variable.String("")
		}
		return variable.String(fmt.Sprintf("%v", raw))
	}
}

// applyAnswerVariable sets the engine variable named exactly activityId to
// "ok"/"no" when the downstream task required a user answer (§4.1.3). It
// never overwrites an existing value of the same name.
func applyAnswerVariable(vars variable.Bag, activityID string, task map[string]interface{}) {
	if _, exists := vars[activityID]; exists {
		return
	}
	resultExpected, _ := task["resultExpected"]
	if !downstream.ResultExpected(resultExpected) {
		return
	}
	answerText, _ := task["resultAnswerText"].(string)
	value, _ := answerVariableValue(answerText)
	vars[activityID] = variable.String(value)
}

// answerVariableValue mirrors render.AnswerVariableValue's mapping;
// duplicated here rather than factored out since the two packages serve
// different wire boundaries (description text vs. engine variable).
func answerVariableValue(resultAnswerText string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(resultAnswerText)) {
	case "ДА":
		return "ok", true
	case "НЕТ":
		return "no", true
	case "":
		return "no", false
	default:
		return "no", false
	}
}

func bagToWireInterfaceMap(bag variable.Bag) map[string]interface{} {
	out := make(map[string]interface{}, len(bag))
	for name, v := range bag {
		out[name] = v.ToWire()
	}
	return out
}
