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
	"github.com/shopspring/decimal"

	"healthsignals/internal/result"
)

// Notification 封装一次检测运行需要推送的结果。
type Notification struct {
	UserID        string
	RunID         string
	From          time.Time
	To            time.Time
	Anomalies     []result.Anomaly
	Correlations  []result.Correlation
	Channels      []string
	AdditionalMsg string
}

// Empty reports whether there is nothing to send.
func (n Notification) Empty() bool {
	return len(n.Anomalies) == 0 && len(n.Correlations) == 0
}

// Notifier 定义告警输送接口。
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

// NewTelegramNotifier 构造 Telegram 告警器。
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

	var reply struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err == nil {
		if !reply.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("user_id", note.UserID).
		Str("run_id", note.RunID).
		Int("anomalies", len(note.Anomalies)).
		Int("correlations", len(note.Correlations)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[HealthSignals Alert]\n")
	builder.WriteString(fmt.Sprintf("User: %s\n", note.UserID))
	if !note.From.IsZero() {
		builder.WriteString(fmt.Sprintf("Window: %s .. %s\n", note.From.Format(time.DateOnly), note.To.Format(time.DateOnly)))
	}
	if len(note.Anomalies) > 0 {
		builder.WriteString("Anomalies:\n")
		for _, a := range note.Anomalies {
			builder.WriteString(fmt.Sprintf("- %s %s=%s (baseline %s) score %s %s [%s]\n",
				a.OccurredOn.Format(time.DateOnly),
				a.MetricName,
				fixed(a.MetricValue, 2),
				fixed(a.BaselineValue, 2),
				fixed(a.Score, 3),
				a.Severity,
				a.DetectorType,
			))
		}
	}
	if len(note.Correlations) > 0 {
		builder.WriteString("Correlations:\n")
		for _, c := range note.Correlations {
			line := fmt.Sprintf("- %s -> %s %s strength %s confidence %s",
				c.MetricA, c.MetricB, c.Type, fixed(c.Strength, 3), fixed(c.Confidence, 3))
			if c.LagDays != 0 {
				line += fmt.Sprintf(" lag %dd", c.LagDays)
			}
			if c.Direction != "" && c.Direction != result.DirectionNone {
				line += fmt.Sprintf(" (%s)", c.Direction)
			}
			builder.WriteString(line + "\n")
		}
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

var _ Notifier = (*TelegramNotifier)(nil)
