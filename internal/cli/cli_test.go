package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailcoach-relay/internal/config"
	"github.com/shineum/mailcoach-relay/internal/mailcoach"
	"github.com/shineum/mailcoach-relay/internal/provider/stdout"
)

const welcomeMessage = "From: Sender <sender@example.com>\r\n" +
	"To: to@example.com\r\n" +
	"Subject: Hi\r\n" +
	"X-Mailcoach-Transactional-Mail: welcome\r\n" +
	"X-Mailcoach-Replacement-name: \"Ada\"\r\n" +
	"\r\n" +
	"Hello there\r\n"

// isolateEnv blanks every setting the CLI reads so tests see defaults.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"PROVIDER", "MAILCOACH_TOKEN", "MAILCOACH_HOST", "MAILCOACH_TIMEOUT",
		"SES_REGION", "SES_SENDER", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY",
		"SMTP_LISTEN", "SMTP_HOSTNAME", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_MAX_MESSAGE_SIZE",
		"TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL", "SENTRY_DSN", "SENTRY_ENVIRONMENT",
		"TRACING_ENABLED", "OTEL_SERVICE_NAME",
	} {
		t.Setenv(env, "")
	}

	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestPayloadCommand_Stdin(t *testing.T) {
	isolateEnv(t)

	out, err := execute(t, welcomeMessage, "payload")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Sender <sender@example.com>", got["from"])
	assert.Equal(t, "to@example.com", got["to"])
	assert.Equal(t, "Hi", got["subject"])
	assert.Equal(t, "welcome", got["mail_name"])
	assert.Equal(t, map[string]any{"name": "Ada"}, got["replacements"])
	assert.Nil(t, got["html"])
	assert.Equal(t, []any{}, got["attachments"])
}

func TestPayloadCommand_File(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "welcome.eml")
	require.NoError(t, os.WriteFile(path, []byte(welcomeMessage), 0o600))

	out, err := execute(t, "", "payload", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"mail_name": "welcome"`)
}

func TestPayloadCommand_Errors(t *testing.T) {
	isolateEnv(t)

	dup := "From: a@example.com\r\n" +
		"X-Mailcoach-Transactional-Mail: one\r\n" +
		"X-Mailcoach-Transactional-Mail: two\r\n" +
		"\r\nbody"
	_, err := execute(t, dup, "payload")
	assert.ErrorIs(t, err, mailcoach.ErrDuplicateTransactionalMail)

	_, err = execute(t, "", "payload", filepath.Join(t.TempDir(), "missing.eml"))
	assert.ErrorContains(t, err, "failed to read message file")
}

func TestSendCommand_Stdout(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PROVIDER", "stdout")

	out, err := execute(t, welcomeMessage, "send")
	require.NoError(t, err)

	assert.Contains(t, out, "Subject: Hi\n")
	assert.Contains(t, out, "X-Mailcoach-Transactional-Mail: welcome\n")
	assert.True(t, strings.HasSuffix(out, "sent via stdout to 1 recipients\n"), out)
}

func TestSendCommand_HostRequiresMailcoach(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PROVIDER", "stdout")

	_, err := execute(t, welcomeMessage, "send", "--host", "example.mailcoach.app")
	assert.ErrorContains(t, err, "--host only applies to the mailcoach provider")
}

func TestSendCommand_Mailcoach(t *testing.T) {
	isolateEnv(t)

	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// the transport's default client resolves http.DefaultTransport per request
	origTransport := http.DefaultTransport
	http.DefaultTransport = srv.Client().Transport
	t.Cleanup(func() { http.DefaultTransport = origTransport })

	t.Setenv("MAILCOACH_TOKEN", "secret-token")
	t.Setenv("MAILCOACH_HOST", "unused.mailcoach.app")

	out, err := execute(t, welcomeMessage, "send", "--host", strings.TrimPrefix(srv.URL, "https://"))
	require.NoError(t, err)

	assert.Equal(t, "sent via mailcoach to 1 recipients\n", out)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "/api/transactional-mails/send", gotPath)
	assert.Equal(t, "welcome", gotBody["mail_name"])
}

func TestSendCommand_MailcoachRejects(t *testing.T) {
	isolateEnv(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"The to field is required."}`))
	}))
	defer srv.Close()

	origTransport := http.DefaultTransport
	http.DefaultTransport = srv.Client().Transport
	t.Cleanup(func() { http.DefaultTransport = origTransport })

	t.Setenv("MAILCOACH_TOKEN", "secret-token")
	t.Setenv("MAILCOACH_HOST", strings.TrimPrefix(srv.URL, "https://"))

	_, err := execute(t, welcomeMessage, "send")
	var notValid *mailcoach.EmailNotValidError
	require.ErrorAs(t, err, &notValid)
	assert.Contains(t, notValid.Body, "The to field is required.")
}

func TestNewProvider(t *testing.T) {
	isolateEnv(t)

	ctx := context.Background()

	p, err := newProvider(ctx, &config.Config{
		Mailcoach: config.MailcoachConfig{
			Token:   "t",
			Host:    "https://acme.mailcoach.app/",
			Timeout: time.Second,
			Headers: map[string]string{"X-Tenant": "acme"},
		},
	}, io.Discard)
	require.NoError(t, err)
	transport, ok := p.(*mailcoach.Transport)
	require.True(t, ok)
	assert.Equal(t, "acme.mailcoach.app", transport.Host())

	p, err = newProvider(ctx, &config.Config{}, io.Discard)
	require.NoError(t, err)
	assert.IsType(t, &stdout.Provider{}, p)

	_, err = newProvider(ctx, &config.Config{Provider: config.ProviderMailcoach}, io.Discard)
	assert.ErrorContains(t, err, "MAILCOACH_TOKEN")

	_, err = newProvider(ctx, &config.Config{Provider: config.ProviderSES, SES: config.SESConfig{Region: "us-east-1"}}, io.Discard)
	assert.ErrorContains(t, err, "SES_REGION and SES_SENDER")

	_, err = newProvider(ctx, &config.Config{Provider: "pigeon"}, io.Discard)
	assert.ErrorContains(t, err, `unknown provider "pigeon"`)
}

func TestServe_StopsWhenContextDone(t *testing.T) {
	isolateEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.SMTP.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, serve(ctx, cfg))
}
