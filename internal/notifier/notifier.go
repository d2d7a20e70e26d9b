// Package notifier delivers best-effort alerts to an external channel,
// grounded on the teacher's trader.go:postSlack shape (build message,
// POST, log failure, never block the caller) generalised from Slack to
// Telegram per the specification's notifier naming.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arbpair/zengine/internal/logging"
)

// Level is an alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// EventType tags the kind of situation an alert describes.
type EventType string

const (
	EventOneLegFail            EventType = "one_leg_fail"
	EventKillSwitch             EventType = "kill_switch"
	EventReconciliationMismatch EventType = "reconciliation_mismatch"
	EventWSReconnect            EventType = "ws_reconnect"
	EventTTLForceClose          EventType = "ttl_force_close"
)

// Alert is one notifiable event.
type Alert struct {
	Level     Level
	Event     EventType
	Message   string
	Payload   map[string]any
	Timestamp time.Time
}

// Notifier delivers alerts. Implementations must never block the
// caller for long or return an error the caller is expected to act on
// — notification failures are logged, not propagated as control flow.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// NoopNotifier discards every alert. Used in tests and for SimPolicy.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Alert) {}

// TelegramNotifier posts critical alerts to a Telegram bot chat via the
// Bot API. Non-critical alerts are logged only, matching spec §6's
// "critical alerts are also pushed to the notifier".
type TelegramNotifier struct {
	Token  string
	ChatID string
	hc     *http.Client
	log    *logging.Logger
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		Token:  token,
		ChatID: chatID,
		hc:     &http.Client{Timeout: 3 * time.Second},
		log:    logging.Default().Component("notifier"),
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, a Alert) {
	n.log.Warn("alert", "level", a.Level, "event", a.Event, "message", a.Message)
	if a.Level != LevelCritical {
		return
	}
	if n.Token == "" || n.ChatID == "" {
		return
	}
	text := fmt.Sprintf("[%s] %s: %s", a.Level, a.Event, a.Message)
	body, err := json.Marshal(map[string]string{"chat_id": n.ChatID, "text": text})
	if err != nil {
		return
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := n.hc.Do(req)
	if err != nil {
		n.log.Error("telegram post failed", "error", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		n.log.Error("telegram post rejected", "status", res.StatusCode)
	}
}
