// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailcoach-relay/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the message's From address when set.
	Sender string
}

// SendEmailAPI is the subset of the SES v2 client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	sender string
	client SendEmailAPI
}

// New creates a Provider using the default AWS credential chain, or static
// credentials when both keys are configured.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender: sender,
		client: client,
	}
}

// Send delivers msg in a single SendEmail call. Messages with attachments
// or multiple body alternatives go out as raw MIME.
func (p *Provider) Send(ctx context.Context, msg email.Message) (int, error) {
	from := p.fromAddress(msg)
	if from == "" {
		return 0, fmt.Errorf("ses: message has no sender and no default sender is configured")
	}

	var input *sesv2.SendEmailInput
	if needsRaw(msg) {
		raw, err := buildRawMessage(from, msg)
		if err != nil {
			return 0, fmt.Errorf("ses: failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(from, msg)
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("ses: send failed: %w", err)
	}

	slog.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))

	return len(msg.To()) + len(msg.Cc()) + len(msg.Bcc()), nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func (p *Provider) fromAddress(msg email.Message) string {
	if p.sender != "" {
		return p.sender
	}
	if from := msg.From(); len(from) > 0 {
		return formatAddress(from[0])
	}
	return ""
}

// needsRaw reports whether msg cannot be expressed as an SES simple message.
func needsRaw(msg email.Message) bool {
	for _, part := range msg.Children() {
		if part.IsAttachment() {
			return true
		}
	}
	return false
}

func destination(msg email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  formatAll(msg.To()),
		CcAddresses:  formatAll(msg.Cc()),
		BccAddresses: formatAll(msg.Bcc()),
	}
}

func formatAll(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a))
	}
	return out
}

// formatAddress renders a as "Name <email>", Q-encoding a display name
// that is not plain ASCII.
func formatAddress(a email.Address) string {
	if a.Name == "" || isASCII(a.Name) {
		return a.String()
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("UTF-8", a.Name), a.Email)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// bodies extracts the text and HTML alternatives of msg.
func bodies(msg email.Message) (text, html string) {
	switch msg.ContentType() {
	case "text/plain":
		return string(msg.Body()), ""
	case "text/html":
		return "", string(msg.Body())
	}

	for _, part := range msg.Children() {
		if part.IsAttachment() {
			continue
		}
		switch part.ContentType {
		case "text/plain":
			text = string(part.Body)
		case "text/html":
			html = string(part.Body)
		}
	}
	if text == "" && len(msg.Body()) > 0 {
		text = string(msg.Body())
	}
	return text, html
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(from string, msg email.Message) *sesv2.SendEmailInput {
	text, html := bodies(msg)

	body := &types.Body{}
	if html != "" {
		body.Html = &types.Content{
			Data:    aws.String(html),
			Charset: aws.String("UTF-8"),
		}
	}
	if text != "" {
		body.Text = &types.Content{
			Data:    aws.String(text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(msg),
		ReplyToAddresses: formatAll(msg.ReplyTo()),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject()),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage renders msg as multipart/mixed MIME. Bcc is carried by
// the destination, never by a header.
func buildRawMessage(from string, msg email.Message) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", from)
	if to := formatAll(msg.To()); len(to) > 0 {
		writeHeader(&buf, "To", strings.Join(to, ", "))
	}
	if cc := formatAll(msg.Cc()); len(cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(cc, ", "))
	}
	if replyTo := formatAll(msg.ReplyTo()); len(replyTo) > 0 {
		writeHeader(&buf, "Reply-To", strings.Join(replyTo, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", msg.Subject()))
	if m, ok := msg.(interface{ MessageID() string }); ok && m.MessageID() != "" {
		writeHeader(&buf, "Message-ID", m.MessageID())
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	mixed := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed.Boundary()))
	buf.WriteString("\r\n")

	if err := writeBodyParts(mixed, msg); err != nil {
		return nil, err
	}

	for _, part := range msg.Children() {
		if !part.IsAttachment() {
			continue
		}
		disposition := email.DispositionAttachment
		if part.IsInline() {
			disposition = email.DispositionInline
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", part.ContentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": part.Filename}))
		if part.IsInline() {
			h.Set("Content-ID", "<"+part.Filename+">")
		}

		w, err := mixed.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write([]byte(encodeBase64WithLineBreaks(part.Body))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBodyParts writes the text and HTML alternatives, nested in
// multipart/alternative when both exist.
func writeBodyParts(mixed *multipart.Writer, msg email.Message) error {
	text, html := bodies(msg)

	if text != "" && html != "" {
		var alt bytes.Buffer
		altWriter := multipart.NewWriter(&alt)
		if err := writeTextPart(altWriter, "text/plain", text); err != nil {
			return err
		}
		if err := writeTextPart(altWriter, "text/html", html); err != nil {
			return err
		}
		if err := altWriter.Close(); err != nil {
			return err
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
		w, err := mixed.CreatePart(h)
		if err != nil {
			return fmt.Errorf("failed to create alternative part: %w", err)
		}
		_, err = w.Write(alt.Bytes())
		return err
	}

	if html != "" {
		return writeTextPart(mixed, "text/html", html)
	}
	if text != "" {
		return writeTextPart(mixed, "text/plain", text)
	}
	return nil
}

func writeTextPart(w *multipart.Writer, mediaType, content string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mediaType+"; charset=UTF-8")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", mediaType, err)
	}
	_, err = part.Write([]byte(content))
	return err
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
