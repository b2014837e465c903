// Package render builds the BB-code description blocks the Task-Creator
// appends to a downstream task's description: questionnaires-in-description
// and predecessor-results summaries. Literal strings are carried over
// verbatim from the source implementation's predecessor_service.py and
// questionnaire_service.py — they are downstream user-facing text, not
// code to rename.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vlikhobabin/exchanger/internal/downstream"
	"github.com/vlikhobabin/exchanger/internal/variable"
)

// HorizontalRule separates description augmentation sections (§4.2 step 4).
const HorizontalRule = "\n----------\n"

// JoinDescriptionSections joins non-empty sections in order with
// HorizontalRule, skipping empty ones.
func JoinDescriptionSections(sections ...string) string {
	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, HorizontalRule)
}

// UserNameLookup resolves a downstream user id to a display name.
type UserNameLookup func(userID int64) (string, bool)

// ListElementLookup resolves a universal-list element id (within an iblock)
// to a display name.
type ListElementLookup func(iblockID, elementID int64) (string, bool)

// FormatAnswer renders a single questionnaire answer per the per-TYPE rules
// in §4.2.3. raw is nil when no process variable matched the answer suffix.
func FormatAnswer(q downstream.QuestionDef, raw *variable.Variable, users UserNameLookup, lists ListElementLookup) string {
	if raw == nil {
		return "-"
	}

	switch strings.ToLower(q.Type) {
	case "boolean":
		return formatBoolAnswer(*raw)
	case "date":
		return formatDateAnswer(*raw)
	case "user":
		return formatUserAnswer(*raw, users)
	case "universal_list":
		return formatListAnswer(*raw, q.IblockID, lists)
	case "integer":
		return formatIntegerAnswer(*raw)
	default:
		s := raw.AsString()
		if s == "" {
			return "-"
		}
		return s
	}
}

func formatBoolAnswer(v variable.Variable) string {
	switch v.Kind {
	case variable.KindBoolean:
		if v.Bool {
			return "Да"
		}
		return "Нет"
	case variable.KindString:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "1", "yes", "да":
			return "Да"
		}
		return "Нет"
	case variable.KindLong:
		if v.Long != 0 {
			return "Да"
		}
		return "Нет"
	case variable.KindDouble:
		if v.Double != 0 {
			return "Да"
		}
		return "Нет"
	default:
		return "-"
	}
}

func formatDateAnswer(v variable.Variable) string {
	s := v.AsString()
	if s == "" {
		return "-"
	}
	normalized := strings.ReplaceAll(s, "Z", "+00:00")
	datePart := normalized
	if idx := strings.Index(normalized, "T"); idx >= 0 {
		datePart = normalized[:idx]
	}
	layouts := []string{"2006-01-02", time.RFC3339}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, datePart); err == nil {
			return t.Format("02.01.2006")
		}
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.Format("02.01.2006")
		}
	}
	return s
}

func formatUserAnswer(v variable.Variable, users UserNameLookup) string {
	idStr := v.AsString()
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return idStr
	}
	if users == nil {
		return idStr
	}
	if name, ok := users(id); ok && name != "" {
		return name
	}
	return idStr
}

func formatListAnswer(v variable.Variable, iblockID int64, lists ListElementLookup) string {
	idStr := v.AsString()
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return idStr
	}
	if lists == nil || iblockID == 0 {
		return idStr
	}
	if name, ok := lists(iblockID, id); ok && name != "" {
		return name
	}
	return idStr
}

func formatIntegerAnswer(v variable.Variable) string {
	switch v.Kind {
	case variable.KindLong:
		return strconv.FormatInt(v.Long, 10)
	case variable.KindDouble:
		return strconv.FormatInt(int64(v.Double), 10)
	default:
		s := v.AsString()
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return s
		}
		return s
	}
}

// FindAnswerVariable scans process variables for a key ending with
// "_{questionnaireCode}_{questionCode}" — not prefix-bound, because the same
// questionnaire may be filled on an earlier step under a different
// elementId (§4.2.3).
func FindAnswerVariable(vars variable.Bag, questionnaireCode, questionCode string) *variable.Variable {
	suffix := fmt.Sprintf("_%s_%s", questionnaireCode, questionCode)
	for key, v := range vars {
		if strings.HasSuffix(key, suffix) {
			vv := v
			return &vv
		}
	}
	return nil
}

// QuestionnaireDescriptionBlock renders the full questionnaires-in-description
// section: one bold title per questionnaire, then one bullet line per
// question (§4.2.3). Returns "" when there is nothing to render.
func QuestionnaireDescriptionBlock(questionnaires []downstream.Questionnaire, vars variable.Bag, users UserNameLookup, lists ListElementLookup) string {
	var blocks []string
	for _, q := range questionnaires {
		if len(q.Questions) == 0 {
			continue
		}
		title := q.Title
		if title == "" {
			title = q.Code
		}
		if title == "" {
			title = "Анкета"
		}

		lines := []string{fmt.Sprintf("[B]%s[/B]", title)}
		for _, question := range q.Questions {
			name := question.Name
			if name == "" {
				name = question.Code
			}
			if name == "" {
				name = "Вопрос"
			}
			raw := FindAnswerVariable(vars, q.Code, question.Code)
			answer := FormatAnswer(question, raw, users, lists)
			lines = append(lines, fmt.Sprintf("• %s: %s", name, answer))
		}
		if len(lines) > 1 {
			blocks = append(blocks, strings.Join(lines, "\n"))
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n")
}

// PredecessorResult is one result entry of one predecessor task, with its
// comment's attachments already resolved.
type PredecessorResult struct {
	TaskID int64
	Result downstream.ResultComment
}

// unescapeHTMLEntities mirrors the original implementation's narrow,
// explicit entity list rather than a general HTML unescaper, since the
// downstream system only ever emits this small set.
func unescapeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&quot;", `"`,
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		" ", " ",
	)
	return replacer.Replace(s)
}

// PredecessorResultsBlock renders the "Результаты предшествующих задач" block
// (§4.2.5). Tasks are rendered in the order of the order slice; ids with no
// entry in resultsByTask are skipped, and "" is returned when none has one.
func PredecessorResultsBlock(order []int64, resultsByTask map[int64][]downstream.ResultComment) string {
	if len(order) == 0 {
		return ""
	}

	lines := []string{"[B]Результаты предшествующих задач:[/B]", ""}
	any := false

	for _, taskID := range order {
		results, ok := resultsByTask[taskID]
		if !ok || len(results) == 0 {
			continue
		}
		any = true
		lines = append(lines, fmt.Sprintf("[B]Задача №%d:[/B]", taskID))

		multiple := len(results) > 1
		for idx, result := range results {
			text := unescapeHTMLEntities(result.Text)
			if text != "" {
				if multiple {
					lines = append(lines, fmt.Sprintf("  %d. %s", idx+1, text))
				} else {
					lines = append(lines, fmt.Sprintf("  %s", text))
				}
			}
			if len(result.Attachments) > 0 {
				names := make([]string, 0, len(result.Attachments))
				for _, f := range result.Attachments {
					name := f.Name
					if name == "" {
						name = "файл"
					}
					names = append(names, name)
				}
				lines = append(lines, fmt.Sprintf("     Файлы: %s", strings.Join(names, ", ")))
			}
		}
		lines = append(lines, "")
	}

	if !any {
		return ""
	}
	return strings.Join(lines, "\n")
}

// AnswerVariableValue maps a resolved resultAnswerText to the engine's
// activityId boolean variable, per §4.1.3: "ДА" → "ok", "НЕТ" → "no",
// anything else (including absent) → "no" with a caller-side warning.
func AnswerVariableValue(resultAnswerText string) (value string, recognized bool) {
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

// ProcessVariableProperty is one diagram-property row feeding the
// process-variables description block (§4.2 step 4c).
type ProcessVariableProperty struct {
	Code string
	Name string
	Type string
	Sort int
}

// ProcessVariablesBlock renders "{name}: {value};" lines, one per property,
// sorted by Sort ascending, looking up each property's value from vars by
// its Code. A property with no matching variable renders an empty value
// rather than being skipped, matching diagram_service.py's behavior.
func ProcessVariablesBlock(properties []ProcessVariableProperty, vars variable.Bag) string {
	if len(properties) == 0 {
		return ""
	}
	sorted := make([]ProcessVariableProperty, len(properties))
	copy(sorted, properties)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sort < sorted[j].Sort })

	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		name := p.Name
		if name == "" {
			name = p.Code
		}
		value := ""
		if v, ok := vars[p.Code]; ok {
			value = formatProcessVariableValue(p.Type, v)
		}
		lines = append(lines, fmt.Sprintf("%s: %s;", name, value))
	}
	return strings.Join(lines, "\n")
}

func formatProcessVariableValue(propertyType string, v variable.Variable) string {
	switch strings.ToLower(propertyType) {
	case "boolean":
		return formatBoolAnswer(v)
	case "date", "datetime":
		return formatDateAnswer(v)
	default:
		return v.AsString()
	}
}
