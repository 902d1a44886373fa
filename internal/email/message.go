// Package email defines the message model shared by the parser, the SMTP
// relay and the delivery providers.
package email

import (
	"fmt"
	"strings"
)

// Message is the read-only view of an email that providers consume.
// *Email implements it; other message types can be adapted to it.
type Message interface {
	From() []Address
	To() []Address
	Cc() []Address
	Bcc() []Address
	ReplyTo() []Address
	Subject() string

	// ContentType is the top-level media type without parameters,
	// e.g. "text/plain" or "multipart/alternative".
	ContentType() string

	// Body is the top-level body. It may be empty for multipart messages.
	Body() []byte

	// Children returns the message parts in order.
	Children() []Part

	// Headers returns every header in the order it was added.
	Headers() []Header
}

// Address is a mailbox with an optional display name.
type Address struct {
	Email string
	Name  string
}

// String formats the address as "Name <email>", or just the email when
// there is no display name. Names are never quoted.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// JoinAddresses formats each address and joins them with sep.
func JoinAddresses(addrs []Address, sep string) string {
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.String())
	}
	return strings.Join(list, sep)
}

// Header is a single header field. Names keep the case they were added with.
type Header struct {
	Name  string
	Value string
}

// Disposition values for attachment parts.
const (
	DispositionAttachment = "attachment"
	DispositionInline     = "inline"
)

// Part is a child entity of a message: either a body alternative
// (text/plain, text/html) or a file attachment.
type Part struct {
	ContentType string
	Body        []byte

	// Filename and Disposition are only set for attachments.
	Filename    string
	Disposition string
}

// IsAttachment reports whether the part carries a file rather than a
// body alternative.
func (p Part) IsAttachment() bool {
	return p.Filename != ""
}

// IsInline reports whether the part is an attachment meant to be
// referenced from the HTML body.
func (p Part) IsInline() bool {
	return p.IsAttachment() && strings.EqualFold(p.Disposition, DispositionInline)
}
