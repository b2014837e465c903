package taskcreator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlikhobabin/exchanger/internal/bitrix"
	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/mq"
	"github.com/vlikhobabin/exchanger/internal/mq/mqtest"
	"github.com/vlikhobabin/exchanger/internal/worker"
)

type fakeDownstream struct {
	existingTaskID    int64
	existingFound     bool
	findErr           error
	predecessorTasks  map[string]int64
	diagramResponsible bitrix.DiagramResponsible
	diagramErr        error
	properties        []bitrix.DiagramProperty
	createErr         error
	createdTaskID     int64
	createdInputs     []downstream.CreateTaskInput
	dependencies      []int64
	supervisors       map[int64]int64
	results           map[int64][]downstream.ResultComment
	attachedFiles     []int64
	checklistCalls    []string
	questionnaireCalls []string
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		createdTaskID:    100,
		predecessorTasks: map[string]int64{},
		supervisors:      map[int64]int64{},
		results:          map[int64][]downstream.ResultComment{},
	}
}

func (f *fakeDownstream) FindTaskByExternalID(ctx context.Context, externalTaskID string) (int64, bool, error) {
	return f.existingTaskID, f.existingFound, f.findErr
}

func (f *fakeDownstream) FindTaskByElementAndInstance(ctx context.Context, elementID, processInstanceID string) (int64, bool, error) {
	id, ok := f.predecessorTasks[elementID]
	return id, ok, nil
}

func (f *fakeDownstream) GetDiagramResponsible(ctx context.Context, camundaProcessID, elementID string) (bitrix.DiagramResponsible, error) {
	return f.diagramResponsible, f.diagramErr
}

func (f *fakeDownstream) ListDiagramProperties(ctx context.Context, camundaProcessID string) ([]bitrix.DiagramProperty, error) {
	return f.properties, nil
}

func (f *fakeDownstream) CreateTask(ctx context.Context, input downstream.CreateTaskInput) (int64, error) {
	f.createdInputs = append(f.createdInputs, input)
	if f.createErr != nil {
		return 0, f.createErr
	}
	return f.createdTaskID, nil
}

func (f *fakeDownstream) AddTaskDependency(ctx context.Context, taskID, predecessorID int64) error {
	f.dependencies = append(f.dependencies, predecessorID)
	return nil
}

func (f *fakeDownstream) AddTaskQuestionnaire(ctx context.Context, taskID int64, questionnaireCode string) error {
	f.questionnaireCalls = append(f.questionnaireCalls, questionnaireCode)
	return nil
}

func (f *fakeDownstream) AttachFile(ctx context.Context, taskID, fileID int64) error {
	f.attachedFiles = append(f.attachedFiles, fileID)
	return nil
}

func (f *fakeDownstream) AddChecklistItem(ctx context.Context, taskID int64, title string, parentID int64) (int64, error) {
	f.checklistCalls = append(f.checklistCalls, title)
	return int64(len(f.checklistCalls)), nil
}

func (f *fakeDownstream) GetUserSupervisor(ctx context.Context, userID int64) (int64, bool, error) {
	id, ok := f.supervisors[userID]
	return id, ok, nil
}

func (f *fakeDownstream) ListResults(ctx context.Context, taskID int64) ([]downstream.ResultComment, error) {
	return f.results[taskID], nil
}

func (f *fakeDownstream) GetUserName(ctx context.Context, userID int64) (string, bool, error) {
	return fmt.Sprintf("User %d", userID), true, nil
}

func (f *fakeDownstream) GetListElementName(ctx context.Context, iblockID, elementID int64) (string, bool, error) {
	return fmt.Sprintf("Item %d", elementID), true, nil
}

func (f *fakeDownstream) Sync(ctx context.Context, taskID int64) error {
	return nil
}

type fakeTemplateCache struct {
	tmpl  downstream.TaskTemplate
	found bool
	err   error
}

func (f *fakeTemplateCache) Lookup(ctx context.Context, processDefinitionKey, activityID, templateID string) (downstream.TaskTemplate, bool, error) {
	return f.tmpl, f.found, f.err
}

type fakeEngine struct {
	failureCalls []string
}

func (f *fakeEngine) Failure(ctx context.Context, taskID, errorMessage, errorDetails string, retries int, retryTimeout time.Duration) error {
	f.failureCalls = append(f.failureCalls, taskID)
	return nil
}

func testLogger() *logging.Logger {
	return logging.New("taskcreator-test", "error", "json")
}

func basePayload() worker.TaskPayload {
	return worker.TaskPayload{
		TaskID:               "T1",
		Topic:                "review-task",
		ActivityID:           "Act_1",
		ProcessInstanceID:    "pi-1",
		ProcessDefinitionKey: "pd-key-1",
		ProcessVariables:     map[string]interface{}{},
	}
}

func publishPayload(t *testing.T, broker *mqtest.Broker, queue string, payload worker.TaskPayload) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), "", queue, body))
}

func TestHandleMessage_HappyPath_CreatesTaskAndPublishesSentEvent(t *testing.T) {
	ds := newFakeDownstream()
	ds.diagramResponsible = bitrix.DiagramResponsible{ResponsibleID: 7}
	tmpl := downstream.TaskTemplate{
		Title:         "Review the document",
		Priority:      2,
		ResponsibleID: 7,
	}
	cache := &fakeTemplateCache{tmpl: tmpl, found: true}

	broker := mqtest.New()
	require.NoError(t, broker.DeclareTopology(context.Background(), mq.Topology{
		TopicQueues: nil,
		PlainQueues: []string{"exchanger.sent.bitrix", "exchanger.errors", mq.QueueName("review-task")},
	}))

	tc := New(ds, cache, &fakeEngine{}, broker, Config{SentQueue: "exchanger.sent.bitrix", ErrorsQueue: "exchanger.errors"}, testLogger())

	publishPayload(t, broker, mq.QueueName("review-task"), basePayload())
	require.NoError(t, tc.PollQueue(context.Background(), mq.QueueName("review-task")))

	require.Len(t, ds.createdInputs, 1)
	assert.Equal(t, int64(7), ds.createdInputs[0].ResponsibleID)
	assert.Equal(t, "T1", ds.createdInputs[0].ExternalTaskID)
	assert.True(t, ds.createdInputs[0].MustNotCompleteWithoutResult)
	assert.Equal(t, 1, broker.Depth("exchanger.sent.bitrix"))
	assert.Equal(t, 0, broker.Depth("exchanger.errors"))
}

func TestHandleMessage_IdempotentReplay_SkipsCreation(t *testing.T) {
	ds := newFakeDownstream()
	ds.existingFound = true
	ds.existingTaskID = 55

	cache := &fakeTemplateCache{}

	broker := mqtest.New()
	require.NoError(t, broker.DeclareTopology(context.Background(), mq.Topology{
		PlainQueues: []string{"exchanger.sent.bitrix", "exchanger.errors", mq.QueueName("review-task")},
	}))

	tc := New(ds, cache, &fakeEngine{}, broker, Config{SentQueue: "exchanger.sent.bitrix", ErrorsQueue: "exchanger.errors"}, testLogger())

	publishPayload(t, broker, mq.QueueName("review-task"), basePayload())
	require.NoError(t, tc.PollQueue(context.Background(), mq.QueueName("review-task")))

	assert.Empty(t, ds.createdInputs)
	assert.Equal(t, 1, broker.Depth("exchanger.sent.bitrix"))
}

func TestHandleMessage_ResponsibleNotFound_RoutesToErrorsAndFailsEngineTask(t *testing.T) {
	ds := newFakeDownstream()
	ds.diagramResponsible = bitrix.DiagramResponsible{ResponsibleID: 9999}
	ds.createErr = fmt.Errorf("downstream rejected: responsible user 9999 not found")
	tmpl := downstream.TaskTemplate{Title: "Some task", ResponsibleID: 9999}
	cache := &fakeTemplateCache{tmpl: tmpl, found: true}

	broker := mqtest.New()
	require.NoError(t, broker.DeclareTopology(context.Background(), mq.Topology{
		PlainQueues: []string{"exchanger.sent.bitrix", "exchanger.errors", mq.QueueName("review-task")},
	}))

	engineClient := &fakeEngine{}
	tc := New(ds, cache, engineClient, broker, Config{SentQueue: "exchanger.sent.bitrix", ErrorsQueue: "exchanger.errors"}, testLogger())

	publishPayload(t, broker, mq.QueueName("review-task"), basePayload())
	require.NoError(t, tc.PollQueue(context.Background(), mq.QueueName("review-task")))

	assert.Equal(t, 1, broker.Depth("exchanger.errors"))
	assert.Equal(t, 0, broker.Depth("exchanger.sent.bitrix"))
	assert.Equal(t, []string{"T1"}, engineClient.failureCalls)
}

func TestHandleMessage_PredecessorDependencies_ResolvedAndAttached(t *testing.T) {
	ds := newFakeDownstream()
	ds.diagramResponsible = bitrix.DiagramResponsible{
		ResponsibleID:         7,
		PredecessorElementIDs: []string{"Act_0"},
	}
	ds.predecessorTasks["Act_0"] = 42
	ds.results[42] = []downstream.ResultComment{{ID: 1, Text: "done"}}

	tmpl := downstream.TaskTemplate{Title: "Second step", ResponsibleID: 7}
	cache := &fakeTemplateCache{tmpl: tmpl, found: true}

	broker := mqtest.New()
	require.NoError(t, broker.DeclareTopology(context.Background(), mq.Topology{
		PlainQueues: []string{"exchanger.sent.bitrix", "exchanger.errors", mq.QueueName("review-task")},
	}))

	tc := New(ds, cache, &fakeEngine{}, broker, Config{SentQueue: "exchanger.sent.bitrix", ErrorsQueue: "exchanger.errors"}, testLogger())

	publishPayload(t, broker, mq.QueueName("review-task"), basePayload())
	require.NoError(t, tc.PollQueue(context.Background(), mq.QueueName("review-task")))

	require.Len(t, ds.createdInputs, 1)
	assert.Contains(t, ds.createdInputs[0].Description, "Задача №42")
	assert.Equal(t, []int64{42}, ds.dependencies)
}

func TestHandleMessage_NoTemplateFound_FallsBackWithTitleInDescription(t *testing.T) {
	ds := newFakeDownstream()
	ds.diagramResponsible = bitrix.DiagramResponsible{ResponsibleID: 7}
	cache := &fakeTemplateCache{found: false}

	broker := mqtest.New()
	require.NoError(t, broker.DeclareTopology(context.Background(), mq.Topology{
		PlainQueues: []string{"exchanger.sent.bitrix", "exchanger.errors", mq.QueueName("review-task")},
	}))

	tc := New(ds, cache, &fakeEngine{}, broker, Config{SentQueue: "exchanger.sent.bitrix", ErrorsQueue: "exchanger.errors"}, testLogger())

	publishPayload(t, broker, mq.QueueName("review-task"), basePayload())
	require.NoError(t, tc.PollQueue(context.Background(), mq.QueueName("review-task")))

	require.Len(t, ds.createdInputs, 1)
	input := ds.createdInputs[0]
	assert.Equal(t, "Задача: review-task", input.Title)
	assert.Contains(t, input.Description, input.Title)
}

func TestResolveDeadline(t *testing.T) {
	now := time.Now()
	processDeadline := now.Add(72 * time.Hour)

	t.Run("neither source", func(t *testing.T) {
		assert.Nil(t, resolveDeadline(nil, 0))
	})

	t.Run("only process variable", func(t *testing.T) {
		got := resolveDeadline(&processDeadline, 0)
		require.NotNil(t, got)
		assert.Equal(t, processDeadline, *got)
	})

	t.Run("only template", func(t *testing.T) {
		got := resolveDeadline(nil, 24*time.Hour)
		require.NotNil(t, got)
		assert.WithinDuration(t, now.Add(24*time.Hour), *got, 5*time.Second)
	})

	t.Run("both, template earlier wins", func(t *testing.T) {
		got := resolveDeadline(&processDeadline, 1*time.Hour)
		require.NotNil(t, got)
		assert.True(t, got.Before(processDeadline))
	})

	t.Run("both, process variable earlier wins", func(t *testing.T) {
		near := now.Add(1 * time.Hour)
		got := resolveDeadline(&near, 48*time.Hour)
		require.NotNil(t, got)
		assert.Equal(t, near, *got)
	})
}
