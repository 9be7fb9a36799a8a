package notify

import (
	_ "embed"
	"html/template"
	"strings"
	"time"
)

const (
	defaultSubject    = "Rastel COVID-19 Contact Alert"
	defaultDateLayout = time.RFC1123Z
)

//go:embed templates/exposure.html.tmpl
var exposureTemplate string

// MessageConfig controls the notification subject and how window bounds are printed.
type MessageConfig struct {
	Subject    string
	DateLayout string
}

// Composer renders exposure notifications.
type Composer struct {
	subject  string
	layout   string
	template *template.Template
}

type renderedWindow struct {
	Start string
	End   string
}

// NewComposer parses the notification template.
func NewComposer(cfg MessageConfig) (*Composer, error) {
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	layout := cfg.DateLayout
	if strings.TrimSpace(layout) == "" {
		layout = defaultDateLayout
	}
	parsed, err := template.New("exposure").Parse(exposureTemplate)
	if err != nil {
		return nil, err
	}
	return &Composer{subject: subject, layout: layout, template: parsed}, nil
}

// Subject returns the notification subject line.
func (c *Composer) Subject() string {
	return c.subject
}

// Render produces the HTML body listing windows in the recipient's time zone.
func (c *Composer) Render(windows []Window, location *time.Location) (string, error) {
	if location == nil {
		location = time.UTC
	}
	rendered := make([]renderedWindow, 0, len(windows))
	for _, window := range windows {
		rendered = append(rendered, renderedWindow{
			Start: time.Unix(window.Start, 0).In(location).Format(c.layout),
			End:   time.Unix(window.End, 0).In(location).Format(c.layout),
		})
	}
	var body strings.Builder
	if err := c.template.Execute(&body, struct{ Windows []renderedWindow }{Windows: rendered}); err != nil {
		return "", err
	}
	return body.String(), nil
}
