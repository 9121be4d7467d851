package gateway

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// Resend sends emails through the Resend API.
type Resend struct {
	client *resend.Client
	from   string
	log    *zap.Logger
}

// NewResend creates a gateway sending from the given verified address. The
// per-message sender name is prepended as the display part.
func NewResend(apiKey, from string, log *zap.Logger) *Resend {
	return &Resend{
		client: resend.NewClient(apiKey),
		from:   from,
		log:    log,
	}
}

func (g *Resend) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", msg.SenderName, g.from),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}

	sent, err := g.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}

	g.log.Debug("resend accepted message",
		zap.String("message_id", sent.Id),
		zap.String("to", msg.To))
	return nil
}

var _ Gateway = (*Resend)(nil)
