package notify

import (
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aljazceru/lnflow/internal/config"
	"github.com/aljazceru/lnflow/internal/experiment"
)

// TelegramNotifier pushes rollback alerts and cycle summaries to an
// operator chat. A nil notifier is safe to call; every method is a no-op.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *log.Logger
}

// NewTelegram returns nil when no token is configured, which callers treat
// as notifications disabled.
func NewTelegram(cfg config.TelegramConfig, logger *log.Logger) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logger.Printf("telegram notifications enabled for @%s", bot.Self.UserName)
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (n *TelegramNotifier) send(text string) {
	if n == nil || n.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	go func() {
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Printf("telegram send: %v", err)
		}
	}()
}

func (n *TelegramNotifier) NotifyRollback(channelID, reason string, d experiment.RollbackDecision) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf(
		"⚠️ <b>Fee rollback</b>\nChannel: <code>%s</code>\nReason: %s\nRevenue decline: %.0f%%\nFlow decline: %.0f%%",
		channelID, reason, d.RevenueDecline*100, d.FlowDecline*100))
}

// NotifyCycle reports a cycle, but only when it did something worth reading
// about.
func (n *TelegramNotifier) NotifyCycle(s experiment.CycleSummary) {
	if n == nil {
		return
	}
	if s.Changed == 0 && s.Rollbacks == 0 && s.Failed == 0 {
		return
	}
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	n.send(fmt.Sprintf(
		"📊 <b>Fee cycle</b>%s\nParameter set: %s (hour %.0f)\nChannels: %d, changed: %d, gated: %d\nRollbacks: %d, failures: %d",
		mode, s.ParameterSet, s.ElapsedHours, s.Channels, s.Changed, s.Gated, s.Rollbacks, s.Failed))
}
