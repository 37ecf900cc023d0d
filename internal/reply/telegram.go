package reply

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const PlatformTelegram = "telegram"

// telegramAPI is the part of *telego.Bot used for replies.
type telegramAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
}

// TelegramSender replies through the Telegram Bot API. The user id is the
// numeric chat id.
type TelegramSender struct {
	bot telegramAPI
}

// NewTelegramSender creates a sender from a bot token.
func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) Platform() string { return PlatformTelegram }

func (s *TelegramSender) Send(ctx context.Context, userID, text string, media []string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("telegram send message: %w", err)
	}
	for _, u := range media {
		if _, err := s.bot.SendPhoto(ctx, tu.Photo(tu.ID(chatID), tu.FileFromURL(u))); err != nil {
			return fmt.Errorf("telegram send photo: %w", err)
		}
	}
	return nil
}
