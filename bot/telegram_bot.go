package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"game-download-coordinator/models"
	"game-download-coordinator/utils"
)

const (
	outboxSize = 64
	// Telegram allows roughly 20 messages a minute to one group
	defaultSendDelay = 3 * time.Second
)

// Sender is the part of tgbotapi.BotAPI the bot sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Coordinator is the engine surface the bot commands drive.
type Coordinator interface {
	Enqueue(gameID int64, reason models.Reason) (models.Task, error)
	EnqueueOperation(gameID int64, kind models.TaskKind, reason models.Reason) (models.Task, error)
	PauseAll() error
	ResumeAll() error
	Cancel(id string) error
	Retry(id string) (models.Task, error)
	Resolve(gameID int64) models.GameStatus
	ListActive() []models.Task
	History() []models.Task
}

type outgoing struct {
	chatID int64
	text   string
}

// TelegramBot answers commands from the configured chats and pushes
// completion and failure notices to them.
type TelegramBot struct {
	api     *tgbotapi.BotAPI
	sender  Sender
	engine  Coordinator
	logger  *utils.Logger
	chats   []int64
	limiter *utils.RateLimiter

	sendDelay time.Duration

	mu     sync.Mutex
	outbox chan outgoing
	closed bool
	wg     sync.WaitGroup
}

func NewTelegramBot(config *utils.Config, logger *utils.Logger, engine Coordinator) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(config.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.WithField("username", api.Self.UserName).Info("Telegram bot authorized")

	tb := newTelegramBot(api, config.NotifyChatIDs, logger, engine, defaultSendDelay)
	tb.api = api
	tb.limiter = utils.NewRateLimiter(&utils.RateLimitConfig{
		CommandsPerMinute: config.BotCommandsPerMinute,
		Window:            time.Minute,
		CleanupInterval:   10 * time.Minute,
	}, logger)
	return tb, nil
}

func newTelegramBot(sender Sender, chats []int64, logger *utils.Logger, engine Coordinator, sendDelay time.Duration) *TelegramBot {
	tb := &TelegramBot{
		sender:    sender,
		engine:    engine,
		logger:    logger,
		chats:     chats,
		sendDelay: sendDelay,
		outbox:    make(chan outgoing, outboxSize),
	}
	tb.wg.Add(1)
	go tb.drainOutbox()
	return tb
}

// Start listens for commands until ctx is done.
func (tb *TelegramBot) Start(ctx context.Context) error {
	if tb.api == nil {
		return fmt.Errorf("bot has no API connection")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := tb.api.GetUpdatesChan(u)

	tb.logger.Info("Bot started, listening for updates...")
	for {
		select {
		case <-ctx.Done():
			tb.api.StopReceivingUpdates()
			tb.logger.Info("Bot stopping...")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			tb.handleUpdate(update)
		}
	}
}

// Stop flushes queued notifications and stops the sender.
func (tb *TelegramBot) Stop() {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return
	}
	tb.closed = true
	close(tb.outbox)
	tb.mu.Unlock()
	tb.wg.Wait()
}

func (tb *TelegramBot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := tb.sender.Send(msg)
	return err
}

// broadcast queues text for every configured chat without blocking.
func (tb *TelegramBot) broadcast(text string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}
	for _, chatID := range tb.chats {
		select {
		case tb.outbox <- outgoing{chatID: chatID, text: text}:
		default:
			tb.logger.WithField("chat_id", chatID).Warn("Notification outbox full, dropping message")
		}
	}
}

func (tb *TelegramBot) drainOutbox() {
	defer tb.wg.Done()
	for msg := range tb.outbox {
		if err := tb.SendMessage(msg.chatID, msg.text); err != nil {
			tb.logger.WithError(err).
				WithField("chat_id", msg.chatID).
				Error("Failed to send notification")
		}
		if len(tb.outbox) > 0 {
			time.Sleep(tb.sendDelay)
		}
	}
}
