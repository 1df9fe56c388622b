package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

type templateData struct {
	Name         string
	Status       string
	Organization string
}

type statusTemplate struct {
	subject *template.Template
	body    *template.Template
}

type templateSet struct {
	byStatus map[string]statusTemplate
}

func defaultTemplates() *templateSet {
	set := &templateSet{byStatus: map[string]statusTemplate{}}
	for status, tmpl := range statusTemplates {
		set.byStatus[status] = statusTemplate{
			subject: template.Must(template.New(status + "-subject").Parse(tmpl[0])),
			body:    template.Must(template.New(status + "-body").Parse(tmpl[1])),
		}
	}
	return set
}

func (t *templateSet) render(status string, data templateData) (string, string, error) {
	tmpl, ok := t.byStatus[status]
	if !ok {
		return "", "", fmt.Errorf("%w %q", ErrNoTemplate, status)
	}
	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", status, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", status, err)
	}
	return subject.String(), body.String(), nil
}

// HasTemplate reports whether status has a notification template. New rows
// are never notified.
func HasTemplate(status string) bool {
	_, ok := statusTemplates[status]
	return ok
}

var statusTemplates = map[string][2]string{
	"Shortlisted": {
		"Your application with {{.Organization}}",
		`Hi {{if .Name}}{{.Name}}{{else}}there{{end}},

Thank you for applying. We are happy to let you know that you have been shortlisted, and we will be in touch shortly about next steps.

Best regards,
{{.Organization}}`,
	},
	"Interviewed": {
		"Thank you for interviewing with {{.Organization}}",
		`Hi {{if .Name}}{{.Name}}{{else}}there{{end}},

Thank you for taking the time to interview with us. We are reviewing our notes and will follow up with an update soon.

Best regards,
{{.Organization}}`,
	},
	"Rejected": {
		"Update on your application with {{.Organization}}",
		`Hi {{if .Name}}{{.Name}}{{else}}there{{end}},

Thank you for your interest. After careful consideration we have decided not to move forward with your application at this time.

We wish you the best in your search.
{{.Organization}}`,
	},
	"Hired": {
		"Welcome to {{.Organization}}",
		`Hi {{if .Name}}{{.Name}}{{else}}there{{end}},

Congratulations! We are delighted to offer you the position. Our team will contact you with the details of your onboarding.

Welcome aboard,
{{.Organization}}`,
	},
	"Archived": {
		"Your application with {{.Organization}}",
		`Hi {{if .Name}}{{.Name}}{{else}}there{{end}},

We have closed the role you applied for and archived your application. We will keep your details on file for future openings.

Best regards,
{{.Organization}}`,
	},
}
