// Package email defines the message model shared by the dispatcher, the relay
// sessions and the development sink.
package email

import "strings"

// Email is one outbound or received message.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// New builds a plain-text message. Blank recipients are dropped and the rest
// are trimmed, keeping their order.
func New(from string, to []string, subject, body string) *Email {
	return &Email{
		From:     strings.TrimSpace(from),
		To:       CleanAddresses(to),
		Subject:  subject,
		TextBody: body,
	}
}

// Recipients returns every envelope recipient: To, then Cc, then Bcc.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return append(out, e.Bcc...)
}

// Body returns the text body, falling back to the HTML body.
func (e *Email) Body() string {
	if e.TextBody != "" {
		return e.TextBody
	}
	return e.HTMLBody
}

// CleanAddresses trims each address and drops empty entries.
func CleanAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
