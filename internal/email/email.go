package email

import "strings"

// Email is an in-memory message built either by the parser or by hand.
// The zero value is an empty text/plain message.
type Email struct {
	from      []Address
	to        []Address
	cc        []Address
	bcc       []Address
	replyTo   []Address
	subject   string
	mediaType string
	body      []byte
	parts     []Part
	headers   []Header
	messageID string
}

// New creates a message with the given subject.
func New(subject string) *Email {
	return &Email{subject: subject}
}

// SetFrom replaces the sender list with a single address.
func (e *Email) SetFrom(addr, name string) *Email {
	e.from = []Address{{Email: addr, Name: name}}
	return e
}

// AddFrom appends a sender. Only the first one is used for delivery.
func (e *Email) AddFrom(addr, name string) *Email {
	e.from = append(e.from, Address{Email: addr, Name: name})
	return e
}

// AddTo appends a primary recipient.
func (e *Email) AddTo(addr, name string) *Email {
	e.to = append(e.to, Address{Email: addr, Name: name})
	return e
}

// AddCc appends a carbon copy recipient.
func (e *Email) AddCc(addr, name string) *Email {
	e.cc = append(e.cc, Address{Email: addr, Name: name})
	return e
}

// AddBcc appends a blind carbon copy recipient.
func (e *Email) AddBcc(addr, name string) *Email {
	e.bcc = append(e.bcc, Address{Email: addr, Name: name})
	return e
}

// AddReplyTo appends a reply-to address.
func (e *Email) AddReplyTo(addr, name string) *Email {
	e.replyTo = append(e.replyTo, Address{Email: addr, Name: name})
	return e
}

// SetBody sets the top-level body and its media type. An empty media type
// means text/plain.
func (e *Email) SetBody(body, mediaType string) *Email {
	e.body = []byte(body)
	e.mediaType = strings.ToLower(mediaType)
	return e
}

// SetContentType overrides the top-level media type.
func (e *Email) SetContentType(mediaType string) *Email {
	e.mediaType = strings.ToLower(mediaType)
	return e
}

// AddPart adds a body alternative. A single-part message becomes
// multipart/alternative and keeps its top-level body.
func (e *Email) AddPart(body, mediaType string) *Email {
	e.parts = append(e.parts, Part{
		ContentType: strings.ToLower(mediaType),
		Body:        []byte(body),
	})
	if !e.isMultipart() {
		e.mediaType = "multipart/alternative"
	}
	return e
}

// Attach adds a file attachment and turns the message into multipart/mixed.
func (e *Email) Attach(filename string, content []byte, mediaType string) *Email {
	return e.attach(filename, content, mediaType, DispositionAttachment)
}

// Embed adds an inline attachment that the HTML body can reference by
// "cid:" + filename.
func (e *Email) Embed(filename string, content []byte, mediaType string) *Email {
	return e.attach(filename, content, mediaType, DispositionInline)
}

func (e *Email) attach(filename string, content []byte, mediaType, disposition string) *Email {
	e.parts = append(e.parts, Part{
		ContentType: strings.ToLower(mediaType),
		Body:        content,
		Filename:    filename,
		Disposition: disposition,
	})
	if !e.isMultipart() {
		e.mediaType = "multipart/mixed"
	}
	return e
}

// AddChild appends an already built part without touching the media type.
func (e *Email) AddChild(p Part) *Email {
	e.parts = append(e.parts, p)
	return e
}

// AddHeader appends a header. Repeated names are kept in insertion order.
func (e *Email) AddHeader(name, value string) *Email {
	e.headers = append(e.headers, Header{Name: name, Value: value})
	return e
}

// SetMessageID sets the Message-ID, including angle brackets.
func (e *Email) SetMessageID(id string) *Email {
	e.messageID = id
	return e
}

func (e *Email) isMultipart() bool {
	return strings.HasPrefix(e.mediaType, "multipart/")
}

func (e *Email) From() []Address    { return e.from }
func (e *Email) To() []Address      { return e.to }
func (e *Email) Cc() []Address      { return e.cc }
func (e *Email) Bcc() []Address     { return e.bcc }
func (e *Email) ReplyTo() []Address { return e.replyTo }
func (e *Email) Subject() string    { return e.subject }
func (e *Email) Body() []byte       { return e.body }
func (e *Email) Children() []Part   { return e.parts }
func (e *Email) Headers() []Header  { return e.headers }
func (e *Email) MessageID() string  { return e.messageID }

// ContentType returns the top-level media type, defaulting to text/plain.
func (e *Email) ContentType() string {
	if e.mediaType == "" {
		return "text/plain"
	}
	return e.mediaType
}

// Recipients returns To, Cc and Bcc in that order.
func (e *Email) Recipients() []Address {
	all := make([]Address, 0, len(e.to)+len(e.cc)+len(e.bcc))
	all = append(all, e.to...)
	all = append(all, e.cc...)
	return append(all, e.bcc...)
}

// HasRecipient reports whether addr is already among To, Cc or Bcc.
// The comparison ignores case.
func (e *Email) HasRecipient(addr string) bool {
	for _, a := range e.Recipients() {
		if strings.EqualFold(a.Email, addr) {
			return true
		}
	}
	return false
}

var _ Message = (*Email)(nil)
