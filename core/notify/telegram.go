package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"berkut-siem/core/mdr"
)

type TelegramMessage struct {
	ChatID   string
	ThreadID *int64
	Text     string
	Silent   bool
}

// TelegramSink posts a short alert summary through the Bot API sendMessage call.
type TelegramSink struct {
	client   *http.Client
	baseURL  string
	token    string
	chatID   string
	threadID *int64
}

func NewTelegramSink(token, chatID string, threadID *int64, timeout time.Duration) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramSink{
		client:   &http.Client{Timeout: timeout},
		baseURL:  "https://api.telegram.org",
		token:    strings.TrimSpace(token),
		chatID:   strings.TrimSpace(chatID),
		threadID: threadID,
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, p Payload) error {
	msg := buildAlertMessage(p)
	msg.ChatID = s.chatID
	msg.ThreadID = s.threadID
	msg.Silent = mdr.SeverityRank(p.Alert.Severity) < mdr.SeverityRank("high")
	return s.send(ctx, msg)
}

func (s *TelegramSink) send(ctx context.Context, msg TelegramMessage) error {
	if s.token == "" || strings.TrimSpace(msg.ChatID) == "" {
		return errors.New("telegram token or chat id missing")
	}
	body := map[string]any{
		"chat_id":              msg.ChatID,
		"text":                 msg.Text,
		"disable_notification": msg.Silent,
	}
	if msg.ThreadID != nil {
		body["message_thread_id"] = *msg.ThreadID
	}
	raw, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.baseURL, "/"), s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("telegram api status %d", resp.StatusCode)
}

func buildAlertMessage(p Payload) TelegramMessage {
	a := p.Alert
	lines := []string{fmt.Sprintf("\U0001F6A8 [%s] %s", strings.ToUpper(a.Severity), strings.TrimSpace(a.Title))}
	lines = append(lines, "rule: "+a.RuleID)
	if a.ID > 0 {
		lines = append(lines, fmt.Sprintf("alert: #%d", a.ID))
	}
	if ev := p.Event; ev != nil {
		if ev.Host != "" {
			lines = append(lines, "host: "+ev.Host)
		}
		if ev.SrcIP != "" {
			lines = append(lines, "src_ip: "+ev.SrcIP)
		}
		if ev.User != "" {
			lines = append(lines, "user: "+ev.User)
		}
	}
	sent := p.SentAt
	if sent.IsZero() {
		sent = time.Now()
	}
	lines = append(lines, "time: "+sent.UTC().Format("2006-01-02 15:04:05 UTC"))
	if p.Service != "" {
		lines = append(lines, "", p.Service)
	}
	return TelegramMessage{Text: strings.Join(lines, "\n")}
}
