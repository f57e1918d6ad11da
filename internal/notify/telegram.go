// pattern: Imperative Shell

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/store"
)

// telegramTimeout bounds each Bot API call.
const telegramTimeout = 15 * time.Second

// Telegram delivers notifications through the Bot API to every
// registered chat.
type Telegram struct {
	token string
	chats func() []store.TelegramChat
	httpc *http.Client
	base  string
	log   *logging.ScopedLogger
}

// NewTelegram creates a sender. chats is read per send so newly
// registered chats are picked up without a restart.
func NewTelegram(token string, chats func() []store.TelegramChat, logs logging.LoggerProvider) *Telegram {
	return &Telegram{
		token: token,
		chats: chats,
		httpc: &http.Client{Timeout: telegramTimeout},
		base:  "https://api.telegram.org",
		log:   logs.For("notify.telegram"),
	}
}

// Send delivers one notification to every registered chat. Succeeds if
// at least one chat accepted the message.
func (t *Telegram) Send(ctx context.Context, n Notification) error {
	chats := t.chats()
	if len(chats) == 0 {
		return fault.New(fault.InvalidArgument, "no telegram chats registered")
	}

	text := formatMessage(n)
	var lastErr error
	delivered := 0
	for _, chat := range chats {
		if err := t.sendMessage(ctx, chat.ChatID, text); err != nil {
			t.log.Warn("telegram chat send failed", "chat", chat.ChatID, "error", err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fault.Wrap(fault.Internal, lastErr, "telegram send")
	}
	return nil
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)

	endpoint := t.base + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fault.Wrap(fault.Internal, err, "telegram response")
	}
	if !result.OK {
		return fault.New(fault.Internal, "telegram: %s", result.Description)
	}
	return nil
}

// formatMessage renders the notification text with the reply-routing tag
// on its own trailing line.
func formatMessage(n Notification) string {
	var b strings.Builder
	if n.Title != "" {
		b.WriteString(n.Title)
		b.WriteString("\n")
	}
	if n.Message != "" {
		b.WriteString(n.Message)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(ReplyTag(n))
	return b.String()
}

// Reply is an inbound chat reply parsed from a Bot API webhook update.
type Reply struct {
	ContainerID  string
	SessionName  string
	WindowIndex  int
	Text         string
	FromID       int64
	FromUsername string
}

// ParseReply extracts the routed reply from a webhook update body. The
// update must be a reply to a message carrying a ReplyTag.
func ParseReply(body []byte) (Reply, error) {
	var update struct {
		Message struct {
			Text string `json:"text"`
			From struct {
				ID       int64  `json:"id"`
				Username string `json:"username"`
			} `json:"from"`
			ReplyToMessage *struct {
				Text string `json:"text"`
			} `json:"reply_to_message"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return Reply{}, fault.Wrap(fault.InvalidArgument, err, "telegram update")
	}
	if update.Message.ReplyToMessage == nil {
		return Reply{}, fault.New(fault.InvalidArgument, "update is not a reply")
	}

	tag := extractTag(update.Message.ReplyToMessage.Text)
	if tag == "" {
		return Reply{}, fault.New(fault.InvalidArgument, "replied message carries no routing tag")
	}

	// ref:<containerId>:<sessionName>:<windowIndex>; container ids may
	// themselves contain a colon (bridge:<id>), so split from the right.
	rest := strings.TrimPrefix(tag, "ref:")
	lastColon := strings.LastIndex(rest, ":")
	if lastColon < 0 {
		return Reply{}, fault.New(fault.InvalidArgument, "malformed routing tag")
	}
	windowIndex, err := strconv.Atoi(rest[lastColon+1:])
	if err != nil {
		return Reply{}, fault.New(fault.InvalidArgument, "malformed routing tag")
	}
	rest = rest[:lastColon]
	sessColon := strings.LastIndex(rest, ":")
	if sessColon < 0 {
		return Reply{}, fault.New(fault.InvalidArgument, "malformed routing tag")
	}

	return Reply{
		ContainerID:  rest[:sessColon],
		SessionName:  rest[sessColon+1:],
		WindowIndex:  windowIndex,
		Text:         update.Message.Text,
		FromID:       update.Message.From.ID,
		FromUsername: update.Message.From.Username,
	}, nil
}

func extractTag(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ref:") {
			return line
		}
	}
	return ""
}
