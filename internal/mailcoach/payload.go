package mailcoach

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/shineum/mailcoach-relay/internal/email"
)

// Headers recognised on outgoing messages.
const (
	HeaderTransactionalMail = "X-Mailcoach-Transactional-Mail"
	HeaderReplacementPrefix = "X-Mailcoach-Replacement-"
	HeaderMailer            = "X-Mailcoach-Mailer"
	HeaderFake              = "X-Mailcoach-Fake"
)

// Payload is the request body of the transactional-mails/send endpoint.
// Text and HTML are always encoded, as null when unset. The other optional
// fields are left out until a header sets them.
type Payload struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Cc           string         `json:"cc"`
	Bcc          string         `json:"bcc"`
	ReplyTo      string         `json:"reply_to"`
	Subject      string         `json:"subject"`
	Text         *string        `json:"text"`
	HTML         *string        `json:"html"`
	Attachments  []Attachment   `json:"attachments"`
	MailName     *string        `json:"mail_name,omitempty"`
	Mailer       *string        `json:"mailer,omitempty"`
	Fake         *string        `json:"fake,omitempty"`
	Replacements map[string]any `json:"replacements,omitempty"`
}

// Attachment is a base64 encoded file in the payload.
type Attachment struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
}

// BuildPayload converts msg into the API payload. It fails with
// ErrDuplicateTransactionalMail or a *MalformedReplacementError; nothing
// else in the message can make it fail.
func BuildPayload(msg email.Message) (*Payload, error) {
	recipients := make([]email.Address, 0, RecipientCount(msg))
	recipients = append(recipients, msg.To()...)
	recipients = append(recipients, msg.Cc()...)
	recipients = append(recipients, msg.Bcc()...)

	p := &Payload{
		From:        formatFrom(msg.From()),
		To:          email.JoinAddresses(recipients, ","),
		Cc:          email.JoinAddresses(msg.Cc(), ","),
		Bcc:         email.JoinAddresses(msg.Bcc(), ","),
		ReplyTo:     email.JoinAddresses(msg.ReplyTo(), ","),
		Subject:     msg.Subject(),
		Attachments: buildAttachments(msg.Children()),
	}

	p.setBody(msg)

	if err := p.applyHeaders(msg.Headers()); err != nil {
		return nil, err
	}

	return p, nil
}

// RecipientCount is the number of To, Cc and Bcc addresses.
func RecipientCount(msg email.Message) int {
	return len(msg.To()) + len(msg.Cc()) + len(msg.Bcc())
}

// formatFrom uses the first sender only.
func formatFrom(from []email.Address) string {
	if len(from) == 0 {
		return ""
	}
	return from[0].String()
}

func buildAttachments(parts []email.Part) []Attachment {
	attachments := make([]Attachment, 0, len(parts))
	for _, part := range parts {
		if !part.IsAttachment() {
			continue
		}
		att := Attachment{
			Name:        part.Filename,
			Content:     base64.StdEncoding.EncodeToString(part.Body),
			ContentType: part.ContentType,
		}
		if part.IsInline() {
			att.ContentID = "cid:" + part.Filename
		}
		attachments = append(attachments, att)
	}
	return attachments
}

func (p *Payload) setBody(msg email.Message) {
	body := string(msg.Body())

	switch msg.ContentType() {
	case "text/plain":
		p.Text = &body
		return
	case "text/html":
		p.HTML = &body
		return
	}

	for _, part := range msg.Children() {
		if part.IsAttachment() {
			continue
		}
		content := string(part.Body)
		switch part.ContentType {
		case "text/plain":
			p.Text = &content
		case "text/html":
			p.HTML = &content
		}
	}

	if body == "" {
		return
	}
	// Backfill the missing side from the top-level body.
	if isEmpty(p.Text) && !isEmpty(p.HTML) {
		p.Text = &body
	}
	if !isEmpty(p.Text) && isEmpty(p.HTML) {
		p.HTML = &body
	}
}

func (p *Payload) applyHeaders(headers []email.Header) error {
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, HeaderTransactionalMail):
			if p.MailName != nil {
				return ErrDuplicateTransactionalMail
			}
			p.MailName = stringPtr(h.Value)

		case hasPrefixFold(h.Name, HeaderReplacementPrefix):
			key := h.Name[len(HeaderReplacementPrefix):]
			value, err := decodeReplacement(h.Value)
			if err != nil {
				return &MalformedReplacementError{Key: key, Err: err}
			}
			if p.Replacements == nil {
				p.Replacements = make(map[string]any)
			}
			p.Replacements[key] = value

		case strings.EqualFold(h.Name, HeaderMailer):
			p.Mailer = stringPtr(h.Value)

		case strings.EqualFold(h.Name, HeaderFake):
			p.Fake = stringPtr(h.Value)
		}
	}
	return nil
}

// decodeReplacement parses one JSON value. Numbers stay json.Number so
// integers beyond 2^53 reach the API unchanged.
func decodeReplacement(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return value, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isEmpty(s *string) bool {
	return s == nil || *s == ""
}

func stringPtr(s string) *string {
	return &s
}
