package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const PlatformDiscord = "discord"

// discordMaxMessage is Discord's hard limit on message length.
const discordMaxMessage = 2000

type discordAPI interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSender replies by direct message. The user id is a Discord
// snowflake.
type DiscordSender struct {
	session discordAPI
}

func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

func (s *DiscordSender) Platform() string { return PlatformDiscord }

func (s *DiscordSender) Send(ctx context.Context, userID, text string, media []string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	ch, err := s.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord open dm: %w", err)
	}

	body := text
	if len(media) > 0 {
		body += "\n" + strings.Join(media, "\n")
	}
	for _, chunk := range chunkText(body, discordMaxMessage) {
		if _, err := s.session.ChannelMessageSend(ch.ID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// chunkText splits s into pieces of at most max bytes, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func chunkText(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	for len(s) > max {
		cut := strings.LastIndexByte(s[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8Start(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
