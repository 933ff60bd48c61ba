package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-gateway/internal/ledger"
)

// Notification 封装一笔已完成订单的通知上下文。
type Notification struct {
	Trade         ledger.Trade
	QuoteAsset    string
	AdditionalMsg string
}

// Notifier 定义订单通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("order_id", note.Trade.OrderID).
		Str("side", string(note.Trade.Side)).
		Str("asset", note.Trade.AssetID).
		Msg("订单通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	t := note.Trade
	builder := strings.Builder{}
	builder.WriteString("[Order Filled]\n")
	builder.WriteString(fmt.Sprintf("Order: %s\n", t.OrderID))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", t.CreatedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("%s %s %s @ %s %s\n",
		strings.ToUpper(string(t.Side)), t.Quantity.String(), t.AssetID, t.Price.String(), note.QuoteAsset))
	builder.WriteString(fmt.Sprintf("Funds: %s %s\n", t.Funds.String(), note.QuoteAsset))
	builder.WriteString(fmt.Sprintf("Mode: %s\n", t.Mode))
	builder.WriteString(fmt.Sprintf("Balance: %s %s\n", t.QuoteBalance.String(), note.QuoteAsset))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
