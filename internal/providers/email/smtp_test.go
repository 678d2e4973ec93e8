package email

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureProvider struct {
	*SMTPProvider
	sent []Message
}

func (c *captureProvider) Send(ctx context.Context, msg Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureProvider) SendTemplate(ctx context.Context, msg Message, templateName string, data interface{}) error {
	set, err := c.templateSet()
	if err != nil {
		return err
	}
	var body strings.Builder
	if err := set.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return err
	}
	msg.HTML = body.String()
	msg.Subject = subjectFor(templateName)
	return c.Send(ctx, msg)
}

func TestEmbeddedTemplatesParse(t *testing.T) {
	p := NewSMTP(Config{})
	set, err := p.templateSet()
	require.NoError(t, err)

	for _, name := range []string{
		"dunning_reminder_1", "dunning_reminder_2", "dunning_reminder_3", "dunning_final_notice",
		"payment_recovered",
		"winback_personal_outreach", "winback_discount_30", "winback_discount_20",
		"winback_discount_10", "winback_free_trial", "winback_automated_reminder",
	} {
		assert.NotNil(t, set.Lookup(name+".html"), name)
	}
}

func TestNotifierRendersTemplate(t *testing.T) {
	provider := &captureProvider{SMTPProvider: NewSMTP(Config{})}
	n := NewNotifier(provider, StaticRecipients{"ops@example.com"}, zap.NewNop())

	require.NoError(t, n.Send(context.Background(), "1234", 2, "dunning_reminder_2"))

	require.Len(t, provider.sent, 1)
	msg := provider.sent[0]
	assert.Equal(t, []string{"ops@example.com"}, msg.To)
	assert.Contains(t, msg.HTML, "subscription 1234")
	assert.Contains(t, msg.HTML, "reminder 2")
	assert.Len(t, msg.ID, 26)
	assert.Equal(t, "Action needed: we couldn't process your payment", msg.Subject)
}

func TestBuildMIMEHeaders(t *testing.T) {
	raw := string(buildMIME("billing@example.com", Message{
		ID:      "01hzy",
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Final notice",
		HTML:    "<p>x</p>",
	}))

	assert.Contains(t, raw, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, raw, "Message-ID: <01hzy@dunningd>\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n<p>x</p>"))
}

func TestSendRequiresRecipients(t *testing.T) {
	err := NewSMTP(Config{}).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoRecipients)
}
