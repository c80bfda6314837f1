package consumer

import (
	"context"
	"fmt"

	"taskorch/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ChatSender is satisfied by *tgbotapi.BotAPI.
type ChatSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatNotifier alerts an operator chat about dead letters and failed tasks.
type ChatNotifier struct {
	bot    ChatSender
	chatID int64
}

func NewChatNotifier(bot ChatSender, chatID int64) *ChatNotifier {
	return &ChatNotifier{bot: bot, chatID: chatID}
}

func (n *ChatNotifier) Name() string { return "telegram" }

func (n *ChatNotifier) Consume(ctx context.Context, evt model.OutboxEvent) error {
	var text string
	switch evt.EventType {
	case model.EventTaskDeadLettered:
		p, err := decode[model.TaskDeadLettered](evt)
		if err != nil {
			return err
		}
		text = fmt.Sprintf("Dead letter #%d: %s task %d in project %d (%s)\n%s",
			p.EntryID, p.Type, p.TaskID, p.ProjectID, p.FailureReason, p.ErrorDetails)
	case model.EventTaskStatusChanged:
		p, err := decode[model.TaskStatusChanged](evt)
		if err != nil {
			return err
		}
		if p.To != model.TaskFailed {
			return nil
		}
		text = fmt.Sprintf("Task %d (%s, project %d, attempt %d) failed: %s",
			p.TaskID, p.Type, p.ProjectID, p.Attempt, p.ErrorReason)
	default:
		return nil
	}
	_, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text))
	return err
}
