// Package taskcreator implements the Task-Creator service (§4.2): for every
// TaskPayload the Worker publishes to a system queue, it ensures exactly one
// downstream task exists (idempotency probe first), derives its fields from
// the BPMN element's task template (falling back to a minimal task when no
// template is found), resolves predecessor Finish-Start dependencies,
// creates the task, applies best-effort post-creation side effects, and
// hands the result off to the Tracker via the sent-queue. Grounded on the
// source implementation's TaskCreatorService orchestration
// (original_source/task-creator/consumers/bitrix/services/*.py) expressed
// in this repository's consumer/message-handling idiom (internal/worker).
package taskcreator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vlikhobabin/exchanger/internal/bitrix"
	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/render"
	"github.com/vlikhobabin/exchanger/internal/resilience"
	"github.com/vlikhobabin/exchanger/internal/variable"
	"github.com/vlikhobabin/exchanger/internal/worker"
)

// DownstreamClient is the subset of bitrix.Client the Task-Creator depends
// on.
type DownstreamClient interface {
	FindTaskByExternalID(ctx context.Context, externalTaskID string) (int64, bool, error)
	FindTaskByElementAndInstance(ctx context.Context, elementID, processInstanceID string) (int64, bool, error)
	GetDiagramResponsible(ctx context.Context, camundaProcessID, elementID string) (bitrix.DiagramResponsible, error)
	ListDiagramProperties(ctx context.Context, camundaProcessID string) ([]bitrix.DiagramProperty, error)
	CreateTask(ctx context.Context, input downstream.CreateTaskInput) (int64, error)
	AddTaskDependency(ctx context.Context, taskID, predecessorID int64) error
	AddTaskQuestionnaire(ctx context.Context, taskID int64, questionnaireCode string) error
	AttachFile(ctx context.Context, taskID, fileID int64) error
	AddChecklistItem(ctx context.Context, taskID int64, title string, parentID int64) (int64, error)
	GetUserSupervisor(ctx context.Context, userID int64) (int64, bool, error)
	ListResults(ctx context.Context, taskID int64) ([]downstream.ResultComment, error)
	GetUserName(ctx context.Context, userID int64) (string, bool, error)
	GetListElementName(ctx context.Context, iblockID, elementID int64) (string, bool, error)
	Sync(ctx context.Context, taskID int64) error
}

// TemplateCache is the subset of internal/template.Cache the Task-Creator
// depends on.
type TemplateCache interface {
	Lookup(ctx context.Context, processDefinitionKey, activityID, templateID string) (downstream.TaskTemplate, bool, error)
}

// EngineClient is the subset of engine.Client needed to release the engine
// lock on a categorized creation failure (§7).
type EngineClient interface {
	Failure(ctx context.Context, taskID, errorMessage, errorDetails string, retries int, retryTimeout time.Duration) error
}

// Config configures the Task-Creator.
type Config struct {
	Exchange             string
	SentQueue            string
	ErrorsQueue          string
	Queues               []string
	Batch                int
	DefaultPriority      int
	DefaultResponsibleID int64
}

// TaskCreator ensures a downstream task exists for each dispatched engine
// task and hands completion tracking off to the sent-queue.
type TaskCreator struct {
	downstream DownstreamClient
	templates  TemplateCache
	engine     EngineClient
	broker     mq.Broker
	cfg        Config
	logger     *logging.Logger
}

// New builds a TaskCreator.
func New(downstreamClient DownstreamClient, templates TemplateCache, engineClient EngineClient, broker mq.Broker, cfg Config, logger *logging.Logger) *TaskCreator {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 1
	}
	if cfg.DefaultResponsibleID <= 0 {
		cfg.DefaultResponsibleID = 1
	}
	return &TaskCreator{
		downstream: downstreamClient,
		templates:  templates,
		engine:     engineClient,
		broker:     broker,
		cfg:        cfg,
		logger:     logger,
	}
}

// PollQueue runs one iteration against a single system queue: consumes up to
// cfg.Batch messages and handles each.
func (tc *TaskCreator) PollQueue(ctx context.Context, queue string) error {
	deliveries, err := tc.broker.Consume(ctx, queue, tc.cfg.Batch)
	if err != nil {
		return fmt.Errorf("consume queue %q: %w", queue, err)
	}
	for _, d := range deliveries {
		tc.handleMessage(ctx, d)
	}
	return nil
}

func (tc *TaskCreator) handleMessage(ctx context.Context, d mq.Delivery) {
	var payload worker.TaskPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		tc.toErrors(ctx, d.Body, "DECODE_ERROR", err.Error(), "manual review required")
		_ = d.Ack()
		return
	}

	taskID, err := tc.ensureDownstreamTask(ctx, payload)
	if err != nil {
		if isRecoverable(err) {
			_ = d.Nack(true)
			return
		}

		errType, suggestedAction := classifyCreateError(err)
		tc.toErrors(ctx, d.Body, errType, err.Error(), suggestedAction)
		if errType == "ASSIGNEE_ID_ERROR" && tc.engine != nil {
			if ferr := tc.engine.Failure(ctx, payload.TaskID, err.Error(), "", 0, 0); ferr != nil {
				tc.logger.WithContext(ctx).WithError(ferr).Error("release engine lock after categorized failure failed")
			}
		}
		_ = d.Ack()
		return
	}

	if err := tc.publishSentEvent(ctx, d.Body, taskID); err != nil {
		tc.logger.WithContext(ctx).WithError(err).Error("publish sent event permanently failed")
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()

	if err := tc.downstream.Sync(ctx, taskID); err != nil {
		tc.logger.WithContext(ctx).WithError(err).WithField("severity", "critical").Error("sync call failed after task creation")
	}
}

// ---------------------------------------------------------------------------
// error classification
// ---------------------------------------------------------------------------

type recoverableError struct{ err error }

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

func recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

func isRecoverable(err error) bool {
	var e *recoverableError
	return errors.As(err, &e)
}

type assigneeError struct{ reason string }

func (e *assigneeError) Error() string { return fmt.Sprintf("assignee resolution failed: %s", e.reason) }

func errAssignee(reason string) error { return &assigneeError{reason: reason} }

// classifyCreateError categorizes a non-recoverable creation error per §7:
// "responsible/assignee not found" is its own subcategory so the errors
// consumer can route it for manual resolution.
func classifyCreateError(err error) (errorType, suggestedAction string) {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "assignee") || strings.Contains(msg, "responsible") {
		return "ASSIGNEE_ID_ERROR", "verify the responsible user exists in the downstream system"
	}
	return "DOWNSTREAM_CREATE_ERROR", "manual review required"
}

// ---------------------------------------------------------------------------
// idempotency + creation
// ---------------------------------------------------------------------------

// ensureDownstreamTask probes for an existing downstream task before
// creating a new one (§4.2 step 1, §8 property #1).
func (tc *TaskCreator) ensureDownstreamTask(ctx context.Context, payload worker.TaskPayload) (int64, error) {
	existingID, found, err := tc.downstream.FindTaskByExternalID(ctx, payload.TaskID)
	if err != nil {
		return 0, recoverable(fmt.Errorf("idempotency probe: %w", err))
	}
	if found {
		tc.logger.WithContext(ctx).WithField("externalTaskId", payload.TaskID).Warn("downstream task already exists, skipping creation")
		return existingID, nil
	}
	return tc.createDownstreamTask(ctx, payload)
}

func (tc *TaskCreator) createDownstreamTask(ctx context.Context, payload worker.TaskPayload) (int64, error) {
	bag := wireInterfaceMapToBag(payload.ProcessVariables)

	tmpl, templateFound, err := tc.templates.Lookup(ctx, payload.ProcessDefinitionKey, payload.ActivityID, "")
	if err != nil {
		tc.logger.WithContext(ctx).WithError(err).Warn("template lookup failed")
	}

	var responsible bitrix.DiagramResponsible
	responsible, respErr := tc.downstream.GetDiagramResponsible(ctx, payload.ProcessDefinitionKey, payload.ActivityID)
	if respErr != nil {
		tc.logger.WithContext(ctx).WithError(respErr).Warn("resolve diagram responsible failed")
	}

	if !templateFound && respErr == nil && responsible.TemplateID != "" {
		tmpl, templateFound, err = tc.templates.Lookup(ctx, payload.ProcessDefinitionKey, payload.ActivityID, responsible.TemplateID)
		if err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("template lookup by templateId failed")
		}
	}

	predecessorTaskIDs := tc.resolvePredecessorDependencies(ctx, responsible.PredecessorElementIDs, payload.ProcessInstanceID)
	resultsByTask := tc.fetchPredecessorResults(ctx, predecessorTaskIDs)

	input := tc.assembleCreateInput(ctx, payload, tmpl, templateFound, responsible, bag, predecessorTaskIDs, resultsByTask)

	if input.ResponsibleID <= 0 {
		return 0, errAssignee("responsibleId could not be resolved")
	}

	taskID, err := tc.downstream.CreateTask(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("create downstream task: %w", err)
	}

	for _, predTaskID := range predecessorTaskIDs {
		if err := tc.downstream.AddTaskDependency(ctx, taskID, predTaskID); err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("add task dependency failed")
		}
	}

	if templateFound {
		tc.applyPostCreationSideEffects(ctx, taskID, tmpl, resultsByTask)
	}

	return taskID, nil
}

// ---------------------------------------------------------------------------
// field derivation (§4.2.1)
// ---------------------------------------------------------------------------

func (tc *TaskCreator) assembleCreateInput(
	ctx context.Context,
	payload worker.TaskPayload,
	tmpl downstream.TaskTemplate,
	templateFound bool,
	responsible bitrix.DiagramResponsible,
	bag variable.Bag,
	predecessorTaskIDs []int64,
	resultsByTask map[int64][]downstream.ResultComment,
) downstream.CreateTaskInput {
	startedBy, hasStartedBy := bagInt64(bag, "startedBy")

	var (
		title                        string
		templateDescription          string
		priority                     int
		groupID                      int64
		createdBy, responsibleID     int64
		accomplices, auditors        []int64
		deadlineAfter                time.Duration
		tags                         string
		questionnairesInDescription  []downstream.Questionnaire
	)

	if templateFound {
		title = tmpl.Title
		templateDescription = tmpl.Description
		priority = tmpl.Priority
		groupID = tmpl.GroupID
		deadlineAfter = tmpl.DeadlineAfter
		tags = strings.Join(tmpl.Tags, ",")
		questionnairesInDescription = tmpl.QuestionnairesInDescription

		createdBy = tc.resolveScalarUser(ctx, tmpl.CreatedBy, tmpl.CreatedByUseSupervisor, startedBy, hasStartedBy)
		responsibleID = tc.resolveScalarUser(ctx, tmpl.ResponsibleID, tmpl.ResponsibleUseSupervisor, startedBy, hasStartedBy)
		accomplices = tc.resolveMembers(ctx, tmpl.Accomplices, tmpl.ResponsibleUseSupervisor, startedBy, hasStartedBy)
		auditors = tc.resolveMembers(ctx, tmpl.Auditors, tmpl.ResponsibleUseSupervisor, startedBy, hasStartedBy)
	} else {
		// §4.2.2 fallback shape: no template description exists, so the
		// description's leading section is the title itself.
		title = fallbackTitle(payload)
		templateDescription = title
		createdBy = tc.resolveScalarUser(ctx, 0, false, startedBy, hasStartedBy)
		responsibleID = tc.resolveScalarUser(ctx, 0, false, startedBy, hasStartedBy)
	}

	if responsibleID <= 0 && responsible.ResponsibleID > 0 {
		responsibleID = responsible.ResponsibleID
	}
	if responsibleID <= 0 {
		tc.logger.WithContext(ctx).WithField("externalTaskId", payload.TaskID).Warn("no responsible resolved, falling back to configured default")
		responsibleID = tc.cfg.DefaultResponsibleID
	}
	if createdBy <= 0 {
		createdBy = responsibleID
	}

	if groupID <= 0 {
		if v, ok := bagInt64(bag, "groupId"); ok {
			groupID = v
		}
	}
	if priority <= 0 {
		priority = tc.cfg.DefaultPriority
	}

	if len(auditors) == 0 {
		if owner, ok := bagString(bag, "diagramOwner"); ok && owner != "" {
			if ownerID, perr := strconv.ParseInt(owner, 10, 64); perr == nil && ownerID > 0 {
				auditors = []int64{ownerID}
			}
		}
	}

	deadline := resolveDeadline(bagTimePtr(bag, "deadline"), deadlineAfter)

	var parentID int64
	var subordinate bool
	if v, ok := bagInt64(bag, "parentTaskId"); ok && v > 0 {
		parentID = v
		subordinate = true
	}

	var properties []render.ProcessVariableProperty
	if props, err := tc.downstream.ListDiagramProperties(ctx, payload.ProcessDefinitionKey); err != nil {
		tc.logger.WithContext(ctx).WithError(err).Warn("list diagram properties failed")
	} else {
		for _, p := range props {
			properties = append(properties, render.ProcessVariableProperty{Code: p.Code, Name: p.Name, Type: p.Type, Sort: p.Sort})
		}
	}

	description := render.JoinDescriptionSections(
		templateDescription,
		render.QuestionnaireDescriptionBlock(questionnairesInDescription, bag, tc.userNameLookup(ctx), tc.listElementLookup(ctx)),
		render.ProcessVariablesBlock(properties, bag),
		render.PredecessorResultsBlock(predecessorTaskIDs, resultsByTask),
	)

	extra := map[string]interface{}{
		"externalTaskId":    payload.TaskID,
		"elementId":         payload.ActivityID,
		"processInstanceId": payload.ProcessInstanceID,
	}
	if payload.Metadata != nil {
		for k, v := range payload.Metadata.ExtensionProperties {
			extra[k] = v
		}
	}

	return downstream.CreateTaskInput{
		Title:                        title,
		Description:                  description,
		Priority:                     priority,
		GroupID:                      groupID,
		CreatedBy:                    createdBy,
		ResponsibleID:                responsibleID,
		Accomplices:                  accomplices,
		Auditors:                     auditors,
		Deadline:                     deadline,
		Tags:                         tags,
		ParentID:                     parentID,
		Subordinate:                  subordinate,
		ExternalTaskID:               payload.TaskID,
		ElementID:                    payload.ActivityID,
		ProcessInstanceID:            payload.ProcessInstanceID,
		MustNotCompleteWithoutResult: true,
		ExtraFields:                  extra,
	}
}

// resolveScalarUser implements the CREATED_BY/RESPONSIBLE_ID resolution
// chain: template scalar, or the supervisor of startedBy when the template
// flags USE_SUPERVISOR, or startedBy itself, per §4.2.1.
func (tc *TaskCreator) resolveScalarUser(ctx context.Context, templateUserID int64, useSupervisor bool, startedBy int64, hasStartedBy bool) int64 {
	if templateUserID > 0 {
		return templateUserID
	}
	if useSupervisor && hasStartedBy && startedBy > 0 {
		if supervisorID, found, err := tc.downstream.GetUserSupervisor(ctx, startedBy); err == nil && found {
			return supervisorID
		}
	}
	if hasStartedBy && startedBy > 0 {
		return startedBy
	}
	return 0
}

// resolveMembers resolves a template member list (ACCOMPLICES/AUDITORS),
// appending the supervisor of startedBy when the template flags
// USE_SUPERVISOR (§4.2.1).
func (tc *TaskCreator) resolveMembers(ctx context.Context, members []downstream.Member, useSupervisor bool, startedBy int64, hasStartedBy bool) []int64 {
	var ids []int64
	for _, m := range members {
		if m.ID > 0 {
			ids = append(ids, m.ID)
		}
	}
	if useSupervisor && hasStartedBy && startedBy > 0 {
		if supervisorID, found, err := tc.downstream.GetUserSupervisor(ctx, startedBy); err == nil && found {
			ids = append(ids, supervisorID)
		}
	}
	return ids
}

func fallbackTitle(payload worker.TaskPayload) string {
	if payload.Metadata != nil && payload.Metadata.Name != "" {
		return payload.Metadata.Name
	}
	return fmt.Sprintf("Задача: %s", payload.Topic)
}

// resolveDeadline implements §4.2.1's DEADLINE rule: the earlier of the
// process variable "deadline" and now+template.DEADLINE_AFTER, when both
// exist; whichever exists when only one does; nil when neither does (§8
// property #7).
func resolveDeadline(processDeadline *time.Time, deadlineAfter time.Duration) *time.Time {
	hasTemplate := deadlineAfter > 0
	switch {
	case processDeadline == nil && !hasTemplate:
		return nil
	case processDeadline == nil:
		d := time.Now().Add(deadlineAfter)
		return &d
	case !hasTemplate:
		return processDeadline
	default:
		fromTemplate := time.Now().Add(deadlineAfter)
		if fromTemplate.Before(*processDeadline) {
			return &fromTemplate
		}
		return processDeadline
	}
}

// ---------------------------------------------------------------------------
// predecessors (§4.2 step 5, §4.2.5, §8 property #9)
// ---------------------------------------------------------------------------

func (tc *TaskCreator) resolvePredecessorDependencies(ctx context.Context, predecessorElementIDs []string, processInstanceID string) []int64 {
	var ids []int64
	for _, elementID := range predecessorElementIDs {
		predTaskID, found, err := tc.downstream.FindTaskByElementAndInstance(ctx, elementID, processInstanceID)
		if err != nil {
			tc.logger.WithContext(ctx).WithError(err).WithField("predecessorElementId", elementID).Warn("resolve predecessor task failed")
			continue
		}
		if !found {
			tc.logger.WithContext(ctx).WithField("predecessorElementId", elementID).Warn("predecessor task not found yet")
			continue
		}
		ids = append(ids, predTaskID)
	}
	return ids
}

func (tc *TaskCreator) fetchPredecessorResults(ctx context.Context, predecessorTaskIDs []int64) map[int64][]downstream.ResultComment {
	out := make(map[int64][]downstream.ResultComment, len(predecessorTaskIDs))
	for _, id := range predecessorTaskIDs {
		results, err := tc.downstream.ListResults(ctx, id)
		if err != nil {
			tc.logger.WithContext(ctx).WithError(err).WithField("predecessorTaskId", id).Warn("fetch predecessor results failed")
			continue
		}
		out[id] = results
	}
	return out
}

// ---------------------------------------------------------------------------
// post-creation side effects (§4.2 step 7) — all best-effort, never abort
// the already-created task.
// ---------------------------------------------------------------------------

func (tc *TaskCreator) applyPostCreationSideEffects(ctx context.Context, taskID int64, tmpl downstream.TaskTemplate, resultsByTask map[int64][]downstream.ResultComment) {
	for _, f := range tmpl.Files {
		if err := tc.downstream.AttachFile(ctx, taskID, f.ID); err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("attach template file failed")
		}
	}

	for _, results := range resultsByTask {
		for _, r := range results {
			for _, f := range r.Attachments {
				if err := tc.downstream.AttachFile(ctx, taskID, f.ID); err != nil {
					tc.logger.WithContext(ctx).WithError(err).Warn("attach predecessor result file failed")
				}
			}
		}
	}

	tc.createChecklist(ctx, taskID, tmpl.Checklist)

	for _, q := range tmpl.Questionnaires {
		if err := tc.downstream.AddTaskQuestionnaire(ctx, taskID, q.Code); err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("add task questionnaire failed")
		}
	}
}

// createChecklist creates level-0 nodes as groups, then level>0 nodes whose
// parent resolved to a known group as items of that group. Deeper levels
// (whose parent is itself an item, not a group) are ignored (§4.2.4).
func (tc *TaskCreator) createChecklist(ctx context.Context, taskID int64, nodes []downstream.ChecklistNode) {
	groupIDs := make(map[string]int64)
	for _, n := range nodes {
		if n.Level != 0 {
			continue
		}
		id, err := tc.downstream.AddChecklistItem(ctx, taskID, n.Title, 0)
		if err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("add checklist group failed")
			continue
		}
		groupIDs[n.ID] = id
	}
	for _, n := range nodes {
		if n.Level == 0 {
			continue
		}
		groupID, ok := groupIDs[n.ParentID]
		if !ok {
			continue
		}
		if _, err := tc.downstream.AddChecklistItem(ctx, taskID, n.Title, groupID); err != nil {
			tc.logger.WithContext(ctx).WithError(err).Warn("add checklist item failed")
		}
	}
}

// ---------------------------------------------------------------------------
// sent-queue hand-off (§4.2 step 8)
// ---------------------------------------------------------------------------

// sentEventRetryConfig reproduces the 1s/2s/4s/8s/16s backoff schedule
// (1 initial attempt plus 5 retries) over cenkalti/backoff, matching
// resilience.Retry's exponential-backoff shape used for HTTP calls
// elsewhere in this repo.
var sentEventRetryConfig = resilience.RetryConfig{
	MaxAttempts:  6,
	InitialDelay: 1 * time.Second,
	MaxDelay:     16 * time.Second,
	Multiplier:   2,
}

// publishSentEvent hands the created task off to the Tracker, retrying the
// publish up to 5 times with exponential backoff. On total failure the
// caller nacks the original message with requeue=true so the idempotency
// probe catches the retry next cycle (§4.2 step 8).
func (tc *TaskCreator) publishSentEvent(ctx context.Context, originalMessage []byte, taskID int64) error {
	event := worker.CompletionEvent{
		OriginalMessage: json.RawMessage(originalMessage),
		ResponseData: map[string]interface{}{
			"result": map[string]interface{}{
				"task": map[string]interface{}{"id": taskID},
			},
		},
		ProcessingStatus: "created",
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sent event: %w", err)
	}

	return resilience.Retry(ctx, sentEventRetryConfig, func() error {
		return tc.broker.Publish(ctx, "", tc.cfg.SentQueue, body)
	})
}

func (tc *TaskCreator) toErrors(ctx context.Context, originalMessage []byte, errorType, message, suggestedAction string) {
	envelope := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"originalMessage": json.RawMessage(originalMessage),
		"errorType":       errorType,
		"errorMessage":    message,
		"suggestedAction": suggestedAction,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		tc.logger.WithContext(ctx).WithError(err).Error("marshal error envelope failed")
		return
	}
	if err := tc.broker.Publish(ctx, "", tc.cfg.ErrorsQueue, body); err != nil {
		tc.logger.WithContext(ctx).WithError(err).Error("publish to errors queue failed")
	}
}

// ---------------------------------------------------------------------------
// lookups
// ---------------------------------------------------------------------------

func (tc *TaskCreator) userNameLookup(ctx context.Context) render.UserNameLookup {
	return func(userID int64) (string, bool) {
		name, found, err := tc.downstream.GetUserName(ctx, userID)
		if err != nil || !found {
			return "", false
		}
		return name, true
	}
}

func (tc *TaskCreator) listElementLookup(ctx context.Context) render.ListElementLookup {
	return func(iblockID, elementID int64) (string, bool) {
		name, found, err := tc.downstream.GetListElementName(ctx, iblockID, elementID)
		if err != nil || !found {
			return "", false
		}
		return name, true
	}
}

// ---------------------------------------------------------------------------
// process-variable bag helpers
// ---------------------------------------------------------------------------

// wireInterfaceMapToBag recovers a variable.Bag from a TaskPayload's
// ProcessVariables field, which round-trips through json.Marshal/Unmarshal
// as map[string]interface{} but still carries the engine's {value,type}
// wire shape per entry.
func wireInterfaceMapToBag(m map[string]interface{}) variable.Bag {
	bag := make(variable.Bag, len(m))
	for name, raw := range m {
		encoded, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		v, err := variable.FromWireJSON(encoded)
		if err != nil {
			continue
		}
		bag[name] = v
	}
	return bag
}

func bagInt64(bag variable.Bag, name string) (int64, bool) {
	v, ok := bag[name]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case variable.KindLong:
		return v.Long, true
	case variable.KindDouble:
		return int64(v.Double), true
	case variable.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func bagString(bag variable.Bag, name string) (string, bool) {
	v, ok := bag[name]
	if !ok {
		return "", false
	}
	return v.AsString(), true
}

func bagTimePtr(bag variable.Bag, name string) *time.Time {
	v, ok := bag[name]
	if !ok {
		return nil
	}
	if v.Kind == variable.KindDate {
		t := v.Date
		return &t
	}
	s := strings.TrimSpace(v.AsString())
	if s == "" {
		return nil
	}
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
