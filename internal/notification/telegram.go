package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	apiURL   string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token and target chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:   telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   newHTTPClient(),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := telegramMessage{ChatID: t.chatID, Text: telegramText(alert), ParseMode: "MarkdownV2"}
	url := t.apiURL + "/bot" + t.botToken + "/sendMessage"
	if err := postJSON(ctx, t.client, "telegram", url, msg); err != nil {
		return err
	}
	log.Printf("[notify] telegram delivered %q", alert.Title)
	return nil
}

// telegramText renders an alert as MarkdownV2:
//
//	*WARNING* Feed degraded
//	feed: binance_btc_usd on binance
//	indices: BTC-USD-INDEX
//	failures: 5
//	<message>
//	_2024-05-01T12:00:00Z_
func telegramText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s\n", mdEscaper.Replace(string(a.Level)), mdEscaper.Replace(a.Title))
	if a.Feed != "" {
		line := "feed: " + a.Feed
		if a.Exchange != "" {
			line += " on " + a.Exchange
		}
		b.WriteString(mdEscaper.Replace(line) + "\n")
	}
	if len(a.Indices) > 0 {
		b.WriteString(mdEscaper.Replace("indices: "+strings.Join(a.Indices, ", ")) + "\n")
	}
	if a.Failures > 0 {
		fmt.Fprintf(&b, "failures: %d\n", a.Failures)
	}
	b.WriteString(mdEscaper.Replace(a.Message))
	if !a.Time.IsZero() {
		b.WriteString("\n_" + mdEscaper.Replace(a.Time.UTC().Format(time.RFC3339)) + "_")
	}
	return b.String()
}

// mdEscaper escapes the characters MarkdownV2 reserves outside entities.
var mdEscaper = func() *strings.Replacer {
	const reserved = "\\_*[]()~`>#+-=|{}.!"
	pairs := make([]string, 0, 2*len(reserved))
	for _, r := range reserved {
		pairs = append(pairs, string(r), "\\"+string(r))
	}
	return strings.NewReplacer(pairs...)
}()
