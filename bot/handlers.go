package bot

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

const historyLimit = 10

func (tb *TelegramBot) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if !tb.isAuthorized(msg.Chat.ID) {
		// silently ignore other chats
		tb.logger.WithField("chat_id", msg.Chat.ID).Warn("Unauthorized access attempt")
		return
	}
	if !msg.IsCommand() {
		return
	}
	if tb.limiter != nil {
		if ok, wait := tb.limiter.AllowCommand(msg.Chat.ID, msg.Command()); !ok {
			tb.reply(msg.Chat.ID, fmt.Sprintf("⏳ Too many commands, try again in %ds", int(wait.Seconds()+0.5)))
			return
		}
	}
	tb.handleCommand(msg)
}

func (tb *TelegramBot) isAuthorized(chatID int64) bool {
	for _, id := range tb.chats {
		if id == chatID {
			return true
		}
	}
	return false
}

func (tb *TelegramBot) handleCommand(message *tgbotapi.Message) {
	chatID := message.Chat.ID
	args := strings.Fields(message.CommandArguments())

	var reply string
	switch message.Command() {
	case "start", "help":
		reply = helpText
	case "queue":
		reply = tb.queueText()
	case "history":
		reply = tb.historyText()
	case "status":
		reply = tb.withGame(args, func(gameID int64) string {
			return fmt.Sprintf("🎮 Game %d: %s", gameID, html.EscapeString(tb.engine.Resolve(gameID).Describe()))
		})
	case "install", "update", "reinstall":
		reason := models.Reason(message.Command())
		reply = tb.withGame(args, func(gameID int64) string {
			task, err := tb.engine.Enqueue(gameID, reason)
			return tb.queuedText(task, err)
		})
	case "uninstall", "launch":
		kind := models.TaskKind(message.Command())
		reply = tb.withGame(args, func(gameID int64) string {
			task, err := tb.engine.EnqueueOperation(gameID, kind, models.ReasonInstall)
			return tb.queuedText(task, err)
		})
	case "pause":
		reply = resultText("⏸ Downloads paused", tb.engine.PauseAll())
	case "resume":
		reply = resultText("▶️ Downloads resumed", tb.engine.ResumeAll())
	case "cancel":
		reply = tb.withGame(args, func(gameID int64) string {
			status := tb.engine.Resolve(gameID)
			if status.Task == nil {
				return fmt.Sprintf("Nothing to cancel for game %d", gameID)
			}
			return resultText(fmt.Sprintf("🛑 Cancelled %s of game %d", status.Task.Kind, gameID), tb.engine.Cancel(status.Task.ID))
		})
	case "retry":
		reply = tb.withGame(args, func(gameID int64) string {
			status := tb.engine.Resolve(gameID)
			if status.Outcome == nil || status.Outcome.State != models.StateErroring {
				return fmt.Sprintf("Game %d has no failed task to retry", gameID)
			}
			task, err := tb.engine.Retry(status.Outcome.TaskID)
			return tb.queuedText(task, err)
		})
	default:
		reply = "Unknown command. Send /help for available commands."
	}

	tb.reply(chatID, reply)
}

func (tb *TelegramBot) reply(chatID int64, text string) {
	if err := tb.SendMessage(chatID, text); err != nil {
		tb.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to send reply")
	}
}

func (tb *TelegramBot) withGame(args []string, fn func(gameID int64) string) string {
	if len(args) != 1 {
		return "Usage: /command &lt;game id&gt;"
	}
	gameID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || gameID <= 0 {
		return fmt.Sprintf("Invalid game id %q", html.EscapeString(args[0]))
	}
	return fn(gameID)
}

func (tb *TelegramBot) queuedText(task models.Task, err error) string {
	if err != nil {
		return errorText(err)
	}
	tb.logger.WithTaskID(task.ID).
		WithField("game_id", task.GameID).
		WithField("kind", task.Kind).
		Info("Task queued from Telegram")
	return fmt.Sprintf("✅ Queued %s (%s) for game %d\n🆔 Task: <code>%s</code>",
		task.Kind, task.Reason.Verb(), task.GameID, shortID(task.ID))
}

func (tb *TelegramBot) queueText() string {
	active := tb.engine.ListActive()
	if len(active) == 0 {
		return "📭 Queue is empty"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Queue</b> (%d)\n\n", len(active))
	for i, task := range active {
		status := tb.engine.Resolve(task.GameID)
		fmt.Fprintf(&b, "%d. Game %d: %s\n", i+1, task.GameID, html.EscapeString(status.Describe()))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (tb *TelegramBot) historyText() string {
	history := tb.engine.History()
	if len(history) == 0 {
		return "No finished tasks yet"
	}
	if len(history) > historyLimit {
		history = history[:historyLimit]
	}
	var b strings.Builder
	b.WriteString("📜 <b>Recent tasks</b>\n\n")
	for _, task := range history {
		fmt.Fprintf(&b, "• Game %d %s: %s\n", task.GameID, task.Kind, task.State)
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultText(ok string, err error) string {
	if err != nil {
		return errorText(err)
	}
	return ok
}

func errorText(err error) string {
	switch {
	case errors.Is(err, utils.ErrConflict):
		return "⚠️ " + html.EscapeString(err.Error())
	case errors.Is(err, utils.ErrNotFound), errors.Is(err, utils.ErrInvalidState):
		return "🤷 " + html.EscapeString(err.Error())
	}
	return "❌ " + html.EscapeString(err.Error())
}

const helpText = `📚 <b>Available Commands</b>

/queue - Show queued and running tasks
/history - Show recently finished tasks
/status &lt;game&gt; - Show what a game is doing
/install &lt;game&gt; - Download and install a game
/update &lt;game&gt; - Download an update
/reinstall &lt;game&gt; - Download and reinstall
/uninstall &lt;game&gt; - Remove an installed game
/launch &lt;game&gt; - Start an installed game
/pause - Pause all downloads
/resume - Resume downloads
/cancel &lt;game&gt; - Cancel the game's current task
/retry &lt;game&gt; - Retry the game's failed task`
