// Package bitrix is the HTTP client for the downstream work-management
// system's webhook REST API, used by the Task-Creator and Tracker. Request
// shapes (tasks.task.add.json's `{fields: ...}` envelope, the SE_PARAMETER
// "must not complete without result" flag, the imena.camunda.* vendor RPC
// family) are grounded verbatim on
// original_source/task-creator/consumers/bitrix/handler.py. The client
// itself reuses this repository's httpclient/resilience stack rather than a
// generic Bitrix24 SDK, matching how the engine client is built.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/httpclient"
	"github.com/vlikhobabin/exchanger/internal/logging"
	"github.com/vlikhobabin/exchanger/internal/resilience"
	"github.com/vlikhobabin/exchanger/internal/xerrors"
)

// Client talks to a single downstream webhook base URL, e.g.
// "https://portal.example.com/rest/1/abcdef0123456789".
type Client struct {
	httpClient   *httpclient.RateLimitedClient
	baseURL      string
	breaker      *resilience.CircuitBreaker
	logger       *logging.Logger
	maxBodyBytes int64
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RateLimitPerS float64
	HTTPClient    *http.Client
	Logger        *logging.Logger
}

// New builds a downstream Client.
func New(cfg Config) (*Client, error) {
	httpCli, baseURL, maxBodyBytes, err := httpclient.NewClientWithBaseURL(httpclient.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, httpclient.ClientDefaults{
		Timeout:          defaultTimeout(cfg.Timeout),
		MaxBodyBytes:     4 << 20,
		NormalizeBaseURL: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build downstream http client: %w", err)
	}

	rps := cfg.RateLimitPerS
	if rps <= 0 {
		rps = 2
	}

	return &Client{
		httpClient:   httpclient.NewRateLimitedClient(httpCli, httpclient.RateLimitConfig{RequestsPerSecond: rps, Burst: int(rps) * 2}),
		baseURL:      baseURL,
		breaker:      resilience.New(resilience.DefaultConfig()),
		logger:       cfg.Logger,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

func defaultTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return 30 * time.Second
}

// apiResponse is the envelope every Bitrix24 REST method returns on error,
// and webhook-method calls return alongside "result" on success.
type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (r apiResponse) asError() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Error, r.ErrorDescription)
}

// ---------------------------------------------------------------------------
// task.add / task lookup
// ---------------------------------------------------------------------------

// seParameter is one SE_PARAMETER entry. CreateTask adds CODE=3 VALUE='Y',
// Bitrix24's "do not allow closing this task without a result" flag, to
// every task this system creates (§4.2.1's MustNotCompleteWithoutResult).
type seParameter struct {
	Code  int    `json:"CODE"`
	Value string `json:"VALUE"`
}

type taskAddFields struct {
	Title           string                 `json:"TITLE"`
	Description     string                 `json:"DESCRIPTION,omitempty"`
	Priority        string                 `json:"PRIORITY,omitempty"`
	GroupID         int64                  `json:"GROUP_ID,omitempty"`
	CreatedBy       int64                  `json:"CREATED_BY,omitempty"`
	ResponsibleID   int64                  `json:"RESPONSIBLE_ID"`
	Accomplices     []int64                `json:"ACCOMPLICES,omitempty"`
	Auditors        []int64                `json:"AUDITORS,omitempty"`
	Deadline        string                 `json:"DEADLINE,omitempty"`
	Tags            []string               `json:"TAGS,omitempty"`
	ParentID        int64                  `json:"PARENT_ID,omitempty"`
	Subordinate     string                 `json:"SUBORDINATE,omitempty"`
	ExternalTaskID  string                 `json:"UF_CAMUNDA_ID_EXTERNAL_TASK,omitempty"`
	ElementID       string                 `json:"UF_ELEMENT_ID,omitempty"`
	ProcessInstance string                 `json:"UF_PROCESS_INSTANCE_ID,omitempty"`
	SEParameter     []seParameter          `json:"SE_PARAMETER,omitempty"`
	Extra           map[string]interface{} `json:"-"`
}

// MarshalJSON folds Extra fields into the top-level object, since
// ExtraFields (camunda:properties-derived custom fields, §4.2.1) are
// arbitrary UF_* keys not known ahead of time.
func (f taskAddFields) MarshalJSON() ([]byte, error) {
	type alias taskAddFields
	base, err := json.Marshal(alias(f))
	if err != nil {
		return nil, err
	}
	if len(f.Extra) == 0 {
		return base, nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range f.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// CreateTask posts tasks.task.add.json. Returns the created task's id.
func (c *Client) CreateTask(ctx context.Context, input downstream.CreateTaskInput) (int64, error) {
	fields := taskAddFields{
		Title:           input.Title,
		Description:     input.Description,
		Priority:        strconv.Itoa(input.Priority),
		GroupID:         input.GroupID,
		CreatedBy:       input.CreatedBy,
		ResponsibleID:   input.ResponsibleID,
		Accomplices:     input.Accomplices,
		Auditors:        input.Auditors,
		ParentID:        input.ParentID,
		ExternalTaskID:  input.ExternalTaskID,
		ElementID:       input.ElementID,
		ProcessInstance: input.ProcessInstanceID,
		Extra:           input.ExtraFields,
		SEParameter:     []seParameter{{Code: 3, Value: "Y"}},
	}
	if input.Subordinate {
		fields.Subordinate = "Y"
	}
	if input.Deadline != nil {
		fields.Deadline = input.Deadline.Format(time.RFC3339)
	}
	if input.Tags != "" {
		fields.Tags = []string{input.Tags}
	}

	var resp struct {
		Result struct {
			Task struct {
				ID json.RawMessage `json:"id"`
			} `json:"task"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.add.json", map[string]interface{}{"fields": fields}, &resp)
	})
	if err != nil {
		return 0, xerrors.DownstreamError("task.add", err)
	}

	id, err := parseFlexibleInt(resp.Result.Task.ID)
	if err != nil {
		return 0, xerrors.DownstreamError("task.add", fmt.Errorf("parse created task id: %w", err))
	}
	return id, nil
}

// FindTaskByExternalID is the idempotency probe: looks up a task whose
// UF_CAMUNDA_ID_EXTERNAL_TASK equals externalTaskID. found is false when no
// such task exists yet.
func (c *Client) FindTaskByExternalID(ctx context.Context, externalTaskID string) (taskID int64, found bool, err error) {
	var resp struct {
		Result struct {
			Tasks []struct {
				ID json.RawMessage `json:"id"`
			} `json:"tasks"`
		} `json:"result"`
	}

	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"UF_CAMUNDA_ID_EXTERNAL_TASK": externalTaskID,
		},
		"select": []string{"ID"},
	}

	execErr := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.list.json", body, &resp)
	})
	if execErr != nil {
		return 0, false, xerrors.DownstreamError("task.list", execErr)
	}
	if len(resp.Result.Tasks) == 0 {
		return 0, false, nil
	}
	id, parseErr := parseFlexibleInt(resp.Result.Tasks[0].ID)
	if parseErr != nil {
		return 0, false, xerrors.DownstreamError("task.list", fmt.Errorf("parse task id: %w", parseErr))
	}
	return id, true, nil
}

// FindTaskByElementAndInstance looks up the downstream task created for a
// given BPMN element within a specific process instance, used to resolve
// predecessor Finish-Start dependencies (§4.2 step 5). Matching is scoped to
// processInstanceID per §9 open question (b): predecessor matching across
// different instances is never attempted.
func (c *Client) FindTaskByElementAndInstance(ctx context.Context, elementID, processInstanceID string) (taskID int64, found bool, err error) {
	var resp struct {
		Result struct {
			Tasks []struct {
				ID json.RawMessage `json:"id"`
			} `json:"tasks"`
		} `json:"result"`
	}

	body := map[string]interface{}{
		"filter": map[string]interface{}{
			"UF_ELEMENT_ID":             elementID,
			"UF_PROCESS_INSTANCE_ID":    processInstanceID,
		},
		"select": []string{"ID"},
	}

	execErr := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.list.json", body, &resp)
	})
	if execErr != nil {
		return 0, false, xerrors.DownstreamError("task.list", execErr)
	}
	if len(resp.Result.Tasks) == 0 {
		return 0, false, nil
	}
	id, parseErr := parseFlexibleInt(resp.Result.Tasks[0].ID)
	if parseErr != nil {
		return 0, false, xerrors.DownstreamError("task.list", fmt.Errorf("parse task id: %w", parseErr))
	}
	return id, true, nil
}

// GetTask fetches a task's current status and custom fields, for the
// Tracker's completion poll (§4.3).
func (c *Client) GetTask(ctx context.Context, taskID int64) (downstream.DownstreamTask, error) {
	var resp struct {
		Result struct {
			Task struct {
				ID               json.RawMessage `json:"id"`
				Title            string          `json:"title"`
				Status           json.RawMessage `json:"status"`
				UFExternalTaskID string          `json:"ufCamundaIdExternalTask"`
				UFElementID      string          `json:"ufElementId"`
				UFProcessInst    string          `json:"ufProcessInstanceId"`
				ResultAnswer     json.RawMessage `json:"resultAnswer"`
				ResultAnswerText string          `json:"resultAnswerText"`
				UFResultExpected json.RawMessage `json:"ufResultExpected"`
			} `json:"task"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.get.json", map[string]interface{}{
			"taskId": taskID,
			"select": []string{"ID", "TITLE", "STATUS", "UF_CAMUNDA_ID_EXTERNAL_TASK", "UF_ELEMENT_ID", "UF_PROCESS_INSTANCE_ID", "RESULT_ANSWER", "RESULT_ANSWER_TEXT", "UF_RESULT_EXPECTED"},
		}, &resp)
	})
	if err != nil {
		return downstream.DownstreamTask{}, xerrors.DownstreamError("task.get", err)
	}

	id, _ := parseFlexibleInt(resp.Result.Task.ID)
	status, _ := parseFlexibleInt(resp.Result.Task.Status)
	answer, _ := parseFlexibleInt(resp.Result.Task.ResultAnswer)

	var rawResultExpected interface{}
	if len(resp.Result.Task.UFResultExpected) > 0 {
		_ = json.Unmarshal(resp.Result.Task.UFResultExpected, &rawResultExpected)
	}

	return downstream.DownstreamTask{
		ID:                id,
		Status:            downstream.DownstreamTaskStatus(status),
		Title:             resp.Result.Task.Title,
		ExternalTaskID:    resp.Result.Task.UFExternalTaskID,
		ElementID:         resp.Result.Task.UFElementID,
		ProcessInstanceID: resp.Result.Task.UFProcessInst,
		ResultAnswer:      answer,
		ResultAnswerText:  resp.Result.Task.ResultAnswerText,
		ResultExpected:    downstream.ResultExpected(rawResultExpected),
	}, nil
}

// ---------------------------------------------------------------------------
// results / comments
// ---------------------------------------------------------------------------

// ListResults fetches the result comments of a completed task, with
// attachments, for the Tracker's completion event (§4.2.5/§4.3).
func (c *Client) ListResults(ctx context.Context, taskID int64) ([]downstream.ResultComment, error) {
	var resp struct {
		Result []struct {
			ID        json.RawMessage `json:"id"`
			CommentID json.RawMessage `json:"commentId"`
			Text      string          `json:"text"`
			Files     []int64         `json:"files"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.result.list.json", map[string]interface{}{"taskId": taskID}, &resp)
	})
	if err != nil {
		return nil, xerrors.DownstreamError("task.result.list", err)
	}

	out := make([]downstream.ResultComment, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := parseFlexibleInt(r.ID)
		comment := downstream.ResultComment{ID: id, Text: r.Text}

		commentID, parseErr := parseFlexibleInt(r.CommentID)
		if parseErr == nil && commentID != 0 && len(r.Files) > 0 {
			attachments, attachErr := c.resultAttachments(ctx, taskID, commentID)
			if attachErr != nil {
				c.logger.WithContext(ctx).WithError(attachErr).Warn("fetch result attachments failed")
			} else {
				comment.Attachments = attachments
			}
		}
		out = append(out, comment)
	}
	return out, nil
}

// resultAttachments calls task.commentitem.get to resolve a result comment's
// attached files into name/size/downloadUrl (§4.2.5).
func (c *Client) resultAttachments(ctx context.Context, taskID, commentID int64) ([]downstream.TaskFile, error) {
	var resp struct {
		Result struct {
			AttachedObjects map[string]struct {
				Name        string `json:"NAME"`
				Size        int64  `json:"SIZE"`
				FileID      int64  `json:"FILE_ID"`
				DownloadURL string `json:"DOWNLOAD_URL"`
			} `json:"ATTACHED_OBJECTS"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "task.commentitem.get.json", map[string]interface{}{
			"TASKID": taskID,
			"ITEMID": commentID,
		}, &resp)
	})
	if err != nil {
		return nil, xerrors.DownstreamError("commentitem.get", err)
	}

	out := make([]downstream.TaskFile, 0, len(resp.Result.AttachedObjects))
	for _, f := range resp.Result.AttachedObjects {
		out = append(out, downstream.TaskFile{ID: f.FileID, Name: f.Name, Size: f.Size, URL: f.DownloadURL})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// imena.camunda.* vendor RPCs
// ---------------------------------------------------------------------------

// GetTaskTemplate calls imena.camunda.tasktemplate.get by
// (processDefinitionKey, activityId), falling back to templateID when the
// first lookup finds nothing, matching handler.py's two-step probe.
func (c *Client) GetTaskTemplate(ctx context.Context, processDefinitionKey, activityID, templateID string) (downstream.TaskTemplate, bool, error) {
	params := url.Values{"camundaProcessId": {processDefinitionKey}, "elementId": {activityID}}
	tmpl, found, err := c.fetchTaskTemplate(ctx, params)
	if err != nil || found {
		return tmpl, found, err
	}
	if templateID == "" {
		return downstream.TaskTemplate{}, false, nil
	}
	return c.fetchTaskTemplate(ctx, url.Values{"templateId": {templateID}})
}

type templateResponseData struct {
	Meta struct {
		TemplateID string `json:"templateId"`
	} `json:"meta"`
	Title                    string   `json:"title"`
	Description              string   `json:"description"`
	Priority                 int      `json:"priority"`
	GroupID                  int64    `json:"groupId"`
	CreatedBy                int64    `json:"createdBy"`
	CreatedByUseSupervisor   bool     `json:"createdByUseSupervisor"`
	ResponsibleID            int64    `json:"responsibleId"`
	ResponsibleUseSupervisor bool     `json:"responsibleUseSupervisor"`
	DeadlineAfter            int64    `json:"deadlineAfter"`
	Tags                     []string `json:"tags"`

	Accomplices []templateMember `json:"accomplices"`
	Auditors    []templateMember `json:"auditors"`

	Files []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Size int64  `json:"size"`
		URL  string `json:"url"`
	} `json:"files"`

	Checklist []struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Tree     struct {
			Level    int    `json:"level"`
			ParentID string `json:"parent_id"`
		} `json:"tree"`
	} `json:"checklist"`

	Questionnaires struct {
		Items []templateQuestionnaire `json:"items"`
	} `json:"questionnaires"`

	QuestionnairesInDescription struct {
		Items []templateQuestionnaire `json:"items"`
	} `json:"questionnairesInDescription"`

	ExtensionProperties map[string]string `json:"extensionProperties"`
}

type templateMember struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
}

type templateQuestionnaire struct {
	Code      string `json:"CODE"`
	Title     string `json:"TITLE"`
	Questions []struct {
		Code     string `json:"CODE"`
		Name     string `json:"NAME"`
		Type     string `json:"TYPE"`
		IblockID int64  `json:"IBLOCK_ID"`
	} `json:"questions"`
}

func toMembers(raw []templateMember) []downstream.Member {
	out := make([]downstream.Member, 0, len(raw))
	for _, m := range raw {
		out = append(out, downstream.Member{ID: m.ID, Role: m.Role})
	}
	return out
}

func toQuestionnaires(raw []templateQuestionnaire) []downstream.Questionnaire {
	out := make([]downstream.Questionnaire, 0, len(raw))
	for _, q := range raw {
		questions := make([]downstream.QuestionDef, 0, len(q.Questions))
		for _, qq := range q.Questions {
			questions = append(questions, downstream.QuestionDef{
				Code: qq.Code, Name: qq.Name, Type: qq.Type, IblockID: qq.IblockID,
			})
		}
		out = append(out, downstream.Questionnaire{Code: q.Code, Title: q.Title, Questions: questions})
	}
	return out
}

func (c *Client) fetchTaskTemplate(ctx context.Context, params url.Values) (downstream.TaskTemplate, bool, error) {
	var resp struct {
		Result struct {
			Success bool                  `json:"success"`
			Data    *templateResponseData `json:"data"`
			Error   string                `json:"error"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "imena.camunda.tasktemplate.get", params, &resp)
	})
	if err != nil {
		return downstream.TaskTemplate{}, false, xerrors.DownstreamError("tasktemplate.get", err)
	}
	if !resp.Result.Success || resp.Result.Data == nil {
		return downstream.TaskTemplate{}, false, nil
	}

	d := resp.Result.Data

	files := make([]downstream.TaskFile, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, downstream.TaskFile{ID: f.ID, Name: f.Name, Size: f.Size, URL: f.URL})
	}

	checklist := make([]downstream.ChecklistNode, 0, len(d.Checklist))
	for _, n := range d.Checklist {
		checklist = append(checklist, downstream.ChecklistNode{
			ID: n.ID, Title: n.Title, Level: n.Tree.Level, ParentID: n.Tree.ParentID,
		})
	}

	return downstream.TaskTemplate{
		Title:                       d.Title,
		Description:                 d.Description,
		Priority:                    d.Priority,
		GroupID:                     d.GroupID,
		CreatedBy:                   d.CreatedBy,
		CreatedByUseSupervisor:      d.CreatedByUseSupervisor,
		ResponsibleID:               d.ResponsibleID,
		ResponsibleUseSupervisor:    d.ResponsibleUseSupervisor,
		Accomplices:                 toMembers(d.Accomplices),
		Auditors:                    toMembers(d.Auditors),
		DeadlineAfter:               time.Duration(d.DeadlineAfter) * time.Second,
		Tags:                        d.Tags,
		Files:                       files,
		Checklist:                   checklist,
		Questionnaires:              toQuestionnaires(d.Questionnaires.Items),
		QuestionnairesInDescription: toQuestionnaires(d.QuestionnairesInDescription.Items),
		ExtensionProperties:         d.ExtensionProperties,
	}, true, nil
}

// DiagramProperty is one row of imena.camunda.diagram.properties.list's
// result.data.properties array.
type DiagramProperty struct {
	Code string `json:"CODE"`
	Name string `json:"NAME"`
	Type string `json:"TYPE"`
	Sort int    `json:"SORT"`
}

// ListDiagramProperties calls imena.camunda.diagram.properties.list for a
// process definition, used to render the process-variables description
// block (§4.2 step 4c).
func (c *Client) ListDiagramProperties(ctx context.Context, camundaProcessID string) ([]DiagramProperty, error) {
	var resp struct {
		Result struct {
			Data struct {
				Properties []DiagramProperty `json:"properties"`
			} `json:"data"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "imena.camunda.diagram.properties.list", url.Values{"camundaProcessId": {camundaProcessID}}, &resp)
	})
	if err != nil {
		return nil, xerrors.DownstreamError("diagram.properties.list", err)
	}
	return resp.Result.Data.Properties, nil
}

// DiagramResponsible is imena.camunda.diagram.responsible.get's result: the
// element's responsible user, an optional template id override, and the
// predecessor element ids used to resolve Finish-Start dependencies (§4.2
// step 5).
type DiagramResponsible struct {
	ResponsibleID         int64
	TemplateID            string
	PredecessorElementIDs []string
}

// GetDiagramResponsible calls imena.camunda.diagram.responsible.get.
func (c *Client) GetDiagramResponsible(ctx context.Context, camundaProcessID, elementID string) (DiagramResponsible, error) {
	var resp struct {
		Result struct {
			ResponsibleID json.RawMessage `json:"responsibleId"`
			TemplateID    string          `json:"templateId"`
			Predecessors  []string        `json:"predecessors"`
		} `json:"result"`
	}

	execErr := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "imena.camunda.diagram.responsible.get", url.Values{
			"camundaProcessId": {camundaProcessID},
			"elementId":        {elementID},
		}, &resp)
	})
	if execErr != nil {
		return DiagramResponsible{}, xerrors.DownstreamError("diagram.responsible.get", execErr)
	}
	id, _ := parseFlexibleInt(resp.Result.ResponsibleID)
	return DiagramResponsible{
		ResponsibleID:         id,
		TemplateID:            resp.Result.TemplateID,
		PredecessorElementIDs: resp.Result.Predecessors,
	}, nil
}

// AddTaskDependency calls imena.camunda.task.dependency.add, registering
// predecessorID as a dependency of taskID (§4.2.5).
func (c *Client) AddTaskDependency(ctx context.Context, taskID, predecessorID int64) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "imena.camunda.task.dependency.add", map[string]interface{}{
			"taskId":        taskID,
			"predecessorId": predecessorID,
		}, nil)
	})
	if err != nil {
		return xerrors.DownstreamError("task.dependency.add", err)
	}
	return nil
}

// AddTaskQuestionnaire calls imena.camunda.task.questionnaire.add to attach
// a questionnaire to a created task (§4.2.1).
func (c *Client) AddTaskQuestionnaire(ctx context.Context, taskID int64, questionnaireCode string) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "imena.camunda.task.questionnaire.add", map[string]interface{}{
			"taskId":            taskID,
			"questionnaireCode": questionnaireCode,
		}, nil)
	})
	if err != nil {
		return xerrors.DownstreamError("task.questionnaire.add", err)
	}
	return nil
}

// AttachFile calls tasks.task.files.attach to attach a previously uploaded
// downstream file to a task by its file id (§4.2 step 7a/7b).
func (c *Client) AttachFile(ctx context.Context, taskID, fileID int64) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.files.attach.json", map[string]interface{}{
			"taskId": taskID,
			"fileId": fileID,
		}, nil)
	})
	if err != nil {
		return xerrors.DownstreamError("task.files.attach", err)
	}
	return nil
}

// AddChecklistItem calls tasks.task.checklistitem.add, creating a group
// (parentID == 0) or an item under a group (§4.2.4).
func (c *Client) AddChecklistItem(ctx context.Context, taskID int64, title string, parentID int64) (int64, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "tasks.task.checklistitem.add.json", map[string]interface{}{
			"taskId": taskID,
			"fields": map[string]interface{}{
				"TITLE":     title,
				"PARENT_ID": parentID,
			},
		}, &resp)
	})
	if err != nil {
		return 0, xerrors.DownstreamError("task.checklistitem.add", err)
	}
	id, parseErr := parseFlexibleInt(resp.Result)
	if parseErr != nil {
		return 0, xerrors.DownstreamError("task.checklistitem.add", fmt.Errorf("parse checklist item id: %w", parseErr))
	}
	return id, nil
}

// GetUserSupervisor calls imena.camunda.user.supervisor.get, returning 0,
// false when the user has no supervisor on file.
func (c *Client) GetUserSupervisor(ctx context.Context, userID int64) (supervisorID int64, found bool, err error) {
	var resp struct {
		Result struct {
			SupervisorID json.RawMessage `json:"supervisorId"`
		} `json:"result"`
	}

	execErr := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "imena.camunda.user.supervisor.get", url.Values{"userId": {strconv.FormatInt(userID, 10)}}, &resp)
	})
	if execErr != nil {
		return 0, false, xerrors.DownstreamError("user.supervisor.get", execErr)
	}
	if len(resp.Result.SupervisorID) == 0 {
		return 0, false, nil
	}
	id, parseErr := parseFlexibleInt(resp.Result.SupervisorID)
	if parseErr != nil || id == 0 {
		return 0, false, nil
	}
	return id, true, nil
}

// UserFieldNames calls imena.camunda.userfield.list, returning the set of
// custom field names currently defined on tasks. Used at startup to verify
// the required UF_* fields exist (§6 startup precondition).
func (c *Client) UserFieldNames(ctx context.Context) (map[string]bool, error) {
	var resp struct {
		Result []struct {
			FieldName string `json:"FIELD_NAME"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "imena.camunda.userfield.list", nil, &resp)
	})
	if err != nil {
		return nil, xerrors.DownstreamError("userfield.list", err)
	}

	out := make(map[string]bool, len(resp.Result))
	for _, f := range resp.Result {
		out[f.FieldName] = true
	}
	return out, nil
}

// Sync calls imena.camunda.sync, the vendor's best-effort reconciliation
// hook (§9 open question (a)). It makes a single attempt and does not retry;
// callers treat a failure as non-fatal.
func (c *Client) Sync(ctx context.Context, taskID int64) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.postJSON(ctx, "imena.camunda.sync", map[string]interface{}{"taskId": taskID}, nil)
	})
	if err != nil {
		return xerrors.DownstreamError("sync", err)
	}
	return nil
}

// GetUserName resolves a user id to a display name, for questionnaire "user"
// answer rendering (render.UserNameLookup, §4.2.3).
func (c *Client) GetUserName(ctx context.Context, userID int64) (string, bool, error) {
	var resp struct {
		Result []struct {
			Name     string `json:"NAME"`
			LastName string `json:"LAST_NAME"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "user.get", url.Values{"ID": {strconv.FormatInt(userID, 10)}}, &resp)
	})
	if err != nil {
		return "", false, xerrors.DownstreamError("user.get", err)
	}
	if len(resp.Result) == 0 {
		return "", false, nil
	}
	u := resp.Result[0]
	name := u.Name
	if u.LastName != "" {
		name = name + " " + u.LastName
	}
	return name, name != "", nil
}

// GetListElementName resolves a universal-list element id within an iblock
// to its display name, for "universal_list" answer rendering
// (render.ListElementLookup, §4.2.3).
func (c *Client) GetListElementName(ctx context.Context, iblockID, elementID int64) (string, bool, error) {
	var resp struct {
		Result []struct {
			Name string `json:"NAME"`
		} `json:"result"`
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.getJSON(ctx, "lists.element.get", url.Values{
			"IBLOCK_TYPE_ID": {"lists"},
			"IBLOCK_ID":      {strconv.FormatInt(iblockID, 10)},
			"ELEMENT_ID":     {strconv.FormatInt(elementID, 10)},
		}, &resp)
	})
	if err != nil {
		return "", false, xerrors.DownstreamError("lists.element.get", err)
	}
	if len(resp.Result) == 0 {
		return "", false, nil
	}
	return resp.Result[0].Name, true, nil
}

// ---------------------------------------------------------------------------
// transport helpers
// ---------------------------------------------------------------------------

func (c *Client) postJSON(ctx context.Context, method string, body interface{}, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doAndDecode(ctx, req, method, out)
}

func (c *Client) getJSON(ctx context.Context, method string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + "/" + method
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doAndDecode(ctx, req, method, out)
}

func (c *Client) doAndDecode(ctx context.Context, req *http.Request, method string, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.logger != nil {
		c.logger.LogDownstreamCall(ctx, method, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, _, err := httpclient.ReadAllWithLimit(resp.Body, c.maxBodyBytes)
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, string(body))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		if apiErr := envelope.asError(); apiErr != nil {
			return fmt.Errorf("%s: %w", method, apiErr)
		}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

// parseFlexibleInt decodes an id field that the vendor API sometimes
// returns as a JSON number and sometimes as a numeric string.
func parseFlexibleInt(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode id %q: %w", string(raw), err)
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
