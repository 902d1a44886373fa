// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/mailcoach-relay/internal/email"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format. It never fails a
// delivery, which makes it useful for local development.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints msg and returns its recipient count.
func (p *Provider) Send(_ context.Context, msg email.Message) (int, error) {
	var b strings.Builder

	b.WriteString(separator)
	if from := msg.From(); len(from) > 0 {
		fmt.Fprintf(&b, "From: %s\n", from[0])
	}
	writeAddresses(&b, "To", msg.To())
	writeAddresses(&b, "Cc", msg.Cc())
	writeAddresses(&b, "Bcc", msg.Bcc())
	writeAddresses(&b, "Reply-To", msg.ReplyTo())
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())

	for _, h := range msg.Headers() {
		if strings.HasPrefix(strings.ToLower(h.Name), "x-mailcoach-") {
			fmt.Fprintf(&b, "%s: %s\n", h.Name, h.Value)
		}
	}

	b.WriteString("Body:\n")
	b.WriteString(displayBody(msg) + "\n")

	var attachments []string
	for _, part := range msg.Children() {
		if part.IsAttachment() {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", part.Filename, formatSize(len(part.Body))))
		}
	}
	if len(attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	// Output errors are ignored; printing is best effort.
	_, _ = io.WriteString(p.writer, b.String())

	return len(msg.To()) + len(msg.Cc()) + len(msg.Bcc()), nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func writeAddresses(b *strings.Builder, label string, addrs []email.Address) {
	if len(addrs) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, email.JoinAddresses(addrs, ", "))
}

// displayBody prefers a plain text body and falls back to HTML shown
// with its markup stripped.
func displayBody(msg email.Message) string {
	if !strings.HasPrefix(msg.ContentType(), "multipart/") {
		if msg.ContentType() == "text/html" {
			return stripHTML(string(msg.Body()))
		}
		return string(msg.Body())
	}

	var text, htmlBody string
	for _, part := range msg.Children() {
		if part.IsAttachment() {
			continue
		}
		switch part.ContentType {
		case "text/plain":
			text = string(part.Body)
		case "text/html":
			htmlBody = string(part.Body)
		}
	}

	switch {
	case text != "":
		return text
	case len(msg.Body()) > 0:
		return string(msg.Body())
	default:
		return stripHTML(htmlBody)
	}
}

var strictPolicy = bluemonday.StrictPolicy()

func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
