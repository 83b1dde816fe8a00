package broadcast

import (
	"context"
	"fmt"

	"carbonbot/internal/domain"
	"carbonbot/internal/transport"
)

// AdapterSender delivers through a chat transport adapter.
type AdapterSender struct {
	Adapter transport.Adapter
	Options *transport.SendOptions
}

func (s AdapterSender) Send(ctx context.Context, to domain.SubscriberID, text string) error {
	chatID, err := to.ChatID()
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, string(to))
	}
	_, err = s.Adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, s.Options)
	return err
}
