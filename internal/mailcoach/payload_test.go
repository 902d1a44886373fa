package mailcoach

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailcoach-relay/internal/email"
)

func basicMessage() *email.Email {
	return email.New("My subject").
		SetFrom("from@example.com", "From name").
		AddTo("to@example.com", "To name").
		SetBody("The text content", "text/plain")
}

func TestBuildPayload_FromFormatting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		email string
		disp  string
		want  string
	}{
		{name: "with display name", email: "from@example.com", disp: "From name", want: "From name <from@example.com>"},
		{name: "bare address", email: "from@example.com", disp: "", want: "from@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg := email.New("s").SetFrom(tt.email, tt.disp)
			p, err := BuildPayload(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.From)
		})
	}
}

func TestBuildPayload_FirstFromWins(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		AddFrom("first@example.com", "First").
		AddFrom("second@example.com", "Second")

	p, err := BuildPayload(msg)
	require.NoError(t, err)
	assert.Equal(t, "First <first@example.com>", p.From)
}

func TestBuildPayload_NoFrom(t *testing.T) {
	t.Parallel()

	p, err := BuildPayload(email.New("s"))
	require.NoError(t, err)
	assert.Equal(t, "", p.From)
}

func TestBuildPayload_RecipientFields(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		AddTo("to@example.com", "To name").
		AddTo("to2@example.com", "").
		AddCc("cc@example.com", "Cc name").
		AddBcc("bcc@example.com", "").
		AddReplyTo("reply@example.com", "Reply")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Equal(t, "To name <to@example.com>,to2@example.com,Cc name <cc@example.com>,bcc@example.com", p.To)
	assert.Equal(t, "Cc name <cc@example.com>", p.Cc)
	assert.Equal(t, "bcc@example.com", p.Bcc)
	assert.Equal(t, "Reply <reply@example.com>", p.ReplyTo)
}

func TestBuildPayload_PlainText(t *testing.T) {
	t.Parallel()

	p, err := BuildPayload(basicMessage())
	require.NoError(t, err)

	require.NotNil(t, p.Text)
	assert.Equal(t, "The text content", *p.Text)
	assert.Nil(t, p.HTML)
	assert.Equal(t, "My subject", p.Subject)
}

func TestBuildPayload_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg := email.New("s").SetBody("<p>hi</p>", "text/html")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Nil(t, p.Text)
	require.NotNil(t, p.HTML)
	assert.Equal(t, "<p>hi</p>", *p.HTML)
}

func TestBuildPayload_TextWithHTMLPart(t *testing.T) {
	t.Parallel()

	msg := basicMessage().AddPart("The html content", "text/html")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	require.NotNil(t, p.Text)
	require.NotNil(t, p.HTML)
	assert.Equal(t, "The text content", *p.Text)
	assert.Equal(t, "The html content", *p.HTML)
}

func TestBuildPayload_HTMLBodyWithTextPart(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		SetBody("<b>html body</b>", "text/html").
		AddPart("plain part", "text/plain")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Equal(t, "plain part", *p.Text)
	assert.Equal(t, "<b>html body</b>", *p.HTML)
}

func TestBuildPayload_MultipartWithoutTopLevelBody(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		SetContentType("multipart/alternative").
		AddPart("first text", "text/plain").
		AddPart("second text", "text/plain").
		AddPart("<p>html</p>", "text/html")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Equal(t, "second text", *p.Text, "last matching part wins")
	assert.Equal(t, "<p>html</p>", *p.HTML)
}

func TestBuildPayload_MultipartOnlyHTMLNoBody(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		SetContentType("multipart/alternative").
		AddPart("<p>html</p>", "text/html")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Nil(t, p.Text, "no top-level body to backfill from")
	assert.Equal(t, "<p>html</p>", *p.HTML)
}

func TestBuildPayload_Attachments(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddPart("<p>see attached</p>", "text/html").
		Attach("report.pdf", []byte("pdf-content"), "application/pdf").
		Embed("logo.png", []byte("png-content"), "image/png")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	require.Len(t, p.Attachments, 2)

	report := p.Attachments[0]
	assert.Equal(t, "report.pdf", report.Name)
	assert.Equal(t, "application/pdf", report.ContentType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("pdf-content")), report.Content)
	assert.Empty(t, report.ContentID)

	logo := p.Attachments[1]
	assert.Equal(t, "logo.png", logo.Name)
	assert.Equal(t, "cid:logo.png", logo.ContentID)

	assert.Equal(t, "<p>see attached</p>", *p.HTML, "attachments are not body candidates")
}

func TestBuildPayload_TransactionalMailHeader(t *testing.T) {
	t.Parallel()

	msg := basicMessage().AddHeader("X-Mailcoach-Transactional-Mail", "my_template")

	p, err := BuildPayload(msg)
	require.NoError(t, err)
	require.NotNil(t, p.MailName)
	assert.Equal(t, "my_template", *p.MailName)
}

func TestBuildPayload_DuplicateTransactionalMail(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("X-Mailcoach-Transactional-Mail", "my_template").
		AddHeader("X-Mailcoach-Transactional-Mail", "another_template")

	p, err := BuildPayload(msg)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrDuplicateTransactionalMail)
}

func TestBuildPayload_DuplicateDetectsEmptyFirstValue(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("X-Mailcoach-Transactional-Mail", "").
		AddHeader("x-mailcoach-transactional-mail", "other")

	_, err := BuildPayload(msg)
	assert.ErrorIs(t, err, ErrDuplicateTransactionalMail)
}

func TestBuildPayload_Replacements(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("X-Mailcoach-Replacement-first_name", `"John"`).
		AddHeader("X-Mailcoach-Replacement-last_name", `"Doe"`).
		AddHeader("X-Mailcoach-Replacement-array", `["foo","bar"]`).
		AddHeader("X-Mailcoach-Replacement-count", `3`)

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Equal(t, "John", p.Replacements["first_name"])
	assert.Equal(t, "Doe", p.Replacements["last_name"])
	assert.Equal(t, []any{"foo", "bar"}, p.Replacements["array"])
	assert.Equal(t, json.Number("3"), p.Replacements["count"])
}

func TestBuildPayload_ReplacementNumbersKeepPrecision(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("X-Mailcoach-Replacement-order_id", "9007199254740993").
		AddHeader("X-Mailcoach-Replacement-big", "12345678901234567890").
		AddHeader("X-Mailcoach-Replacement-items", `[{"sku":9007199254740995,"price":1.5}]`)

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	body, err := json.Marshal(p.Replacements)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"big":12345678901234567890,"items":[{"price":1.5,"sku":9007199254740995}],"order_id":9007199254740993}`,
		string(body))
	assert.Contains(t, string(body), `"order_id":9007199254740993`)
	assert.Contains(t, string(body), `"big":12345678901234567890`)
}

func TestBuildPayload_ReplacementTrailingData(t *testing.T) {
	t.Parallel()

	for _, value := range []string{`"a" "b"`, `1 2`, `{"a":1}x`} {
		msg := basicMessage().AddHeader("X-Mailcoach-Replacement-key", value)

		_, err := BuildPayload(msg)
		assert.ErrorIs(t, err, ErrMalformedReplacement, value)
	}
}

func TestBuildPayload_MalformedReplacement(t *testing.T) {
	t.Parallel()

	msg := basicMessage().AddHeader("X-Mailcoach-Replacement-first_name", "John")

	_, err := BuildPayload(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedReplacement)

	var replErr *MalformedReplacementError
	require.True(t, errors.As(err, &replErr))
	assert.Equal(t, "first_name", replErr.Key)
}

func TestBuildPayload_MailerAndFake(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("X-Mailcoach-Mailer", "transactional-mailer").
		AddHeader("X-Mailcoach-Fake", "1")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	require.NotNil(t, p.Mailer)
	assert.Equal(t, "transactional-mailer", *p.Mailer)
	require.NotNil(t, p.Fake)
	assert.Equal(t, "1", *p.Fake)
}

func TestBuildPayload_HeaderNamesIgnoreCase(t *testing.T) {
	t.Parallel()

	msg := basicMessage().
		AddHeader("x-mailcoach-mailer", "m").
		AddHeader("X-MAILCOACH-REPLACEMENT-First_Name", `"Jane"`)

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	assert.Equal(t, "m", *p.Mailer)
	assert.Equal(t, "Jane", p.Replacements["First_Name"])
}

func TestPayload_JSONOmitsUnsetOptionalKeys(t *testing.T) {
	t.Parallel()

	msg := basicMessage().AddHeader("X-Unrelated", "value")

	p, err := BuildPayload(msg)
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, key := range []string{"from", "to", "cc", "bcc", "reply_to", "subject", "text", "html", "attachments"} {
		assert.Contains(t, decoded, key)
	}
	for _, key := range []string{"mail_name", "mailer", "fake", "replacements"} {
		assert.NotContains(t, decoded, key)
	}
	assert.Nil(t, decoded["html"])
	assert.Equal(t, []any{}, decoded["attachments"])
}

func TestRecipientCount(t *testing.T) {
	t.Parallel()

	msg := email.New("s").
		AddTo("a@example.com", "").
		AddTo("b@example.com", "").
		AddCc("c@example.com", "").
		AddBcc("d@example.com", "").
		AddReplyTo("e@example.com", "")

	assert.Equal(t, 4, RecipientCount(msg))
}
