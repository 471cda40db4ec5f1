package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/slack-go/slack"

	"trustgate/internal/domain"
)

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier.
func (n *SlackNotifier) Name() string { return "slack" }

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, a domain.Alert) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, webhookMessage(a)); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func webhookMessage(a domain.Alert) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Plugin", Value: a.PluginID, Short: true},
		{Title: "Severity", Value: a.Severity.String(), Short: true},
		{Title: "Type", Value: string(a.Type), Short: true},
		{Title: "Alert ID", Value: a.ID, Short: true},
	}
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{Title: k, Value: a.Context[k], Short: true})
	}
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", a.Severity.String(), a.Message),
		Attachments: []slack.Attachment{{
			Color:  severityColor(a.Severity),
			Title:  string(a.Type),
			Fields: fields,
			Ts:     json.Number(fmt.Sprint(a.Timestamp.Unix())),
		}},
	}
}

func severityColor(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "danger"
	case domain.SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}
