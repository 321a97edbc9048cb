package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	alerting "infrawatch/internal/alerting/domain"
)

// kindEscalated marks the re-notification of an alert left active too long.
const kindEscalated = "alert.escalated"

const defaultText = `{{ heading .Kind }} [{{ upper .Alert.Severity }}] {{ .Title }}
{{ .Alert.ResourceID }}{{ with .Alert.ResourceType }} ({{ . }}){{ end }}: {{ num .Alert.Value }}, threshold {{ .Alert.Threshold }}
rule {{ .Alert.RuleID }}, {{ .Alert.Status }} since {{ stamp .Alert.CreatedAt }}
{{- with .Actor }}
by {{ . }}{{ with $.Note }}: {{ . }}{{ end }}
{{- end }}
{{- with .Hint }}
{{ . }}
{{- end }}
{{- with .ReportURL }}
report: {{ . }}
{{- end }}`

// Message is one notification about an alert. Text is filled in by Render.
type Message struct {
	Kind      string         `json:"kind"`
	Alert     alerting.Alert `json:"alert"`
	ReportURL string         `json:"reportUrl,omitempty"`
	Text      string         `json:"text"`
}

// Title is the alert name, or its rule when unnamed.
func (m Message) Title() string {
	if m.Alert.Name != "" {
		return m.Alert.Name
	}
	return m.Alert.RuleID
}

// Actor is whoever moved the alert into its current state.
func (m Message) Actor() string {
	switch m.Alert.Status {
	case alerting.StatusAcknowledged:
		return m.Alert.AcknowledgedBy
	case alerting.StatusResolved:
		return m.Alert.ResolvedBy
	}
	return ""
}

// Note is the comment or resolution recorded with Actor.
func (m Message) Note() string {
	switch m.Alert.Status {
	case alerting.StatusAcknowledged:
		return m.Alert.Comment
	case alerting.StatusResolved:
		return m.Alert.Resolution
	}
	return ""
}

// Hint suggests a response for open alerts.
func (m Message) Hint() string {
	if m.Alert.Status == alerting.StatusResolved {
		return ""
	}
	switch {
	case m.Alert.Severity.AtLeast(alerting.SeverityHigh):
		return "Act now: the condition is likely user-facing."
	case m.Alert.Severity.AtLeast(alerting.SeverityMedium):
		return "Check the resource and act if the trend continues."
	}
	return ""
}

var templateFuncs = template.FuncMap{
	"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
	"num":   func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"stamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"heading": func(kind string) string {
		switch kind {
		case string(alerting.EventAlertCreated):
			return "FIRING"
		case string(alerting.EventAlertUpdated):
			return "UPDATED"
		case string(alerting.EventAlertAcknowledged):
			return "ACKNOWLEDGED"
		case string(alerting.EventAlertResolved):
			return "RESOLVED"
		case kindEscalated:
			return "ESCALATED"
		}
		return strings.ToUpper(kind)
	},
}

// Template renders Message.Text. Templates see the Message, its helper
// methods and the upper, num, stamp and heading functions.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses text, or the built-in layout when text is empty.
func NewTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultText
	}
	tpl, err := template.New("notification").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("notify: parse template: %w", err)
	}
	return &Template{tpl: tpl}, nil
}

// Render fills msg.Text.
func (t *Template) Render(msg Message) (Message, error) {
	var sb strings.Builder
	if err := t.tpl.Execute(&sb, msg); err != nil {
		return msg, fmt.Errorf("notify: render %s: %w", msg.Kind, err)
	}
	msg.Text = sb.String()
	return msg, nil
}
