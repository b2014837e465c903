// Package downstream models the vendor shapes the Task-Creator and Tracker
// exchange with the downstream work-management system: task templates,
// created tasks, checklist trees, questionnaires and result comments.
// Field names matching the vendor's custom-field contract (UF_*) are kept
// verbatim since they are the literal wire contract, not an implementation
// detail open to renaming.
package downstream

import "time"

// Member is a user reference inside a template's member lists
// (RESPONSIBLE, ACCOMPLICES, AUDITORS).
type Member struct {
	ID   int64
	Role string // "R" (responsible), "A" (accomplice), "U" (auditor)
}

// ChecklistNode is one row of a template's embedded checklist tree.
// Level 0 nodes are groups; level > 0 nodes with a known group parent are
// items of that group. Deeper levels are ignored (§4.2.4).
type ChecklistNode struct {
	ID       string
	Title    string
	Level    int
	ParentID string
}

// QuestionDef is one question inside a Questionnaire.
type QuestionDef struct {
	Code        string
	Name        string
	Type        string // "boolean", "date", "user", "universal_list", "integer", ...
	IblockID    int64  // only meaningful when Type == "universal_list"
}

// Questionnaire is a named set of questions, either attached to the created
// task or rendered inline in its description.
type Questionnaire struct {
	Code      string
	Title     string
	Questions []QuestionDef
}

// TaskFile is a downstream file reference (template embedded file, or a
// predecessor result's attachment).
type TaskFile struct {
	ID   int64
	Name string
	Size int64
	URL  string
}

// TaskTemplate is the downstream blueprint fetched by
// (processDefinitionKey, activityId) or by templateId, per §3/§4.2.1.
type TaskTemplate struct {
	ID          int64
	Title       string
	Description string
	Priority    int
	GroupID     int64

	CreatedBy              int64
	CreatedByUseSupervisor bool
	ResponsibleID          int64
	ResponsibleUseSupervisor bool

	Accomplices []Member
	Auditors    []Member

	DeadlineAfter time.Duration // "DEADLINE_AFTER" seconds, as a duration

	Tags []string

	Files         []TaskFile
	Checklist     []ChecklistNode
	Questionnaires             []Questionnaire // attached to the task
	QuestionnairesInDescription []Questionnaire // rendered into description text

	// ExtensionProperties carries arbitrary boolean/text custom fields
	// lifted from the BPMN element's camunda:properties (§4.2.1 last line).
	ExtensionProperties map[string]string
}

// DownstreamTaskStatus enumerates the lifecycle values the Tracker watches.
type DownstreamTaskStatus int

// Status values observed on created tasks. The "completed" set is {4,5}
// (waiting-control, completed) per the open question in §9(c); an operator
// changing this policy should update CompletedStatuses, not this comment.
const (
	StatusNew             DownstreamTaskStatus = 1
	StatusPending         DownstreamTaskStatus = 2
	StatusInProgress      DownstreamTaskStatus = 3
	StatusWaitingControl  DownstreamTaskStatus = 4
	StatusCompleted       DownstreamTaskStatus = 5
	StatusDeferred        DownstreamTaskStatus = 6
)

// CompletedStatuses is the set of statuses the Tracker treats as "done".
var CompletedStatuses = map[DownstreamTaskStatus]bool{
	StatusWaitingControl: true,
	StatusCompleted:      true,
}

// IsCompleted reports whether status belongs to the completed set.
func IsCompleted(status DownstreamTaskStatus) bool {
	return CompletedStatuses[status]
}

// ResultComment is a single result entry on a completed task, with its
// attachments already resolved (§4.2.5).
type ResultComment struct {
	ID          int64
	Text        string
	Attachments []TaskFile
}

// DownstreamTask is the created work item, as observed by the core.
type DownstreamTask struct {
	ID     int64
	Status DownstreamTaskStatus
	Title  string

	// Custom fields carrying engine linkage.
	ExternalTaskID    string // UF_CAMUNDA_ID_EXTERNAL_TASK
	ElementID         string // UF_ELEMENT_ID
	ProcessInstanceID string // UF_PROCESS_INSTANCE_ID

	ResultAnswer     int64  // resultAnswer enum id
	ResultAnswerText string // resolved label, e.g. "ДА"/"НЕТ"
	ResultExpected   bool   // UF_RESULT_EXPECTED, per §4.1.3

	Results []ResultComment
}

// ResultExpected reports whether the downstream custom field UF_RESULT_EXPECTED
// is set truthily, per §4.1.3's accepted literal spellings.
func ResultExpected(raw interface{}) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch v {
		case "1", "Y", "y", "true", "yes", "да", "Да":
			return true
		}
	}
	return false
}

// CreateTaskInput is the fully assembled payload the Task-Creator sends to
// task.add, derived from a TaskTemplate + process context per §4.2.1.
type CreateTaskInput struct {
	Title       string
	Description string
	Priority    int
	GroupID     int64

	CreatedBy     int64
	ResponsibleID int64
	Accomplices   []int64
	Auditors      []int64

	Deadline *time.Time
	Tags     string // comma-joined

	ParentID    int64
	Subordinate bool

	ExternalTaskID    string
	ElementID         string
	ProcessInstanceID string

	MustNotCompleteWithoutResult bool

	ExtraFields map[string]interface{}
}
