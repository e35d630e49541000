package mailer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// LogProvider writes messages to the log instead of sending them. It is used
// when no provider key is configured.
type LogProvider struct {
	Logger *slog.Logger
}

// NewLogProvider creates a log-only provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{Logger: logger}
}

// Name returns the provider name.
func (l *LogProvider) Name() string {
	return "log"
}

// Send logs msg and returns a generated message ID.
func (l *LogProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	id := "log-" + uuid.NewString()
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
	}
	l.Logger.InfoContext(ctx, "mailer: message logged, not sent",
		"provider", l.Name(),
		"from", msg.From,
		"to", strings.Join(msg.To, ", "),
		"reply_to", msg.ReplyTo,
		"subject", msg.Subject,
		"attachments", strings.Join(names, ", "),
		"message_id", id,
	)
	if msg.Text != "" {
		l.Logger.DebugContext(ctx, "mailer: text body", "message_id", id, "text", msg.Text)
	}
	return SendResult{ProviderMessageID: id}, nil
}
