package utils

import (
	"sync"
	"time"
)

type RateLimitConfig struct {
	// CommandsPerMinute is the number of commands a chat may send in one
	// window. Zero disables limiting.
	CommandsPerMinute int
	Window            time.Duration
	// Idle chat states older than this are dropped
	CleanupInterval time.Duration
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		CommandsPerMinute: 20,
		Window:            time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
}

// ChatRateState tracks command usage of one chat in the current window.
type ChatRateState struct {
	ChatID          int64
	LastCommandTime time.Time
	WindowStart     time.Time
	CommandCount    int
	Rejected        int
}

// RateLimiter throttles bot commands per chat with a fixed window.
type RateLimiter struct {
	config *RateLimitConfig
	logger *Logger
	now    func() time.Time

	mutex       sync.Mutex
	chatStates  map[int64]*ChatRateState
	lastCleanup time.Time
}

func NewRateLimiter(config *RateLimitConfig, logger *Logger) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		config:     config,
		logger:     logger,
		now:        time.Now,
		chatStates: make(map[int64]*ChatRateState),
	}
}

// AllowCommand records a command from chatID. When the chat is over its
// limit it returns false and the time until the window resets.
func (rl *RateLimiter) AllowCommand(chatID int64, command string) (bool, time.Duration) {
	if rl.config.CommandsPerMinute <= 0 {
		return true, 0
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.maybeCleanup(now)

	state, exists := rl.chatStates[chatID]
	if !exists {
		state = &ChatRateState{ChatID: chatID, WindowStart: now}
		rl.chatStates[chatID] = state
	}
	if now.Sub(state.WindowStart) >= rl.config.Window {
		state.WindowStart = now
		state.CommandCount = 0
	}
	state.LastCommandTime = now

	if state.CommandCount >= rl.config.CommandsPerMinute {
		state.Rejected++
		rl.logger.WithField("chat_id", chatID).
			WithField("command", command).
			WithField("commands_in_window", state.CommandCount).
			Warn("Command rate limit exceeded")
		return false, state.WindowStart.Add(rl.config.Window).Sub(now)
	}
	state.CommandCount++
	return true, 0
}

// GetChatStats returns a copy of the chat's state, or nil if it sent nothing.
func (rl *RateLimiter) GetChatStats(chatID int64) *ChatRateState {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	state, exists := rl.chatStates[chatID]
	if !exists {
		return nil
	}
	stateCopy := *state
	return &stateCopy
}

func (rl *RateLimiter) maybeCleanup(now time.Time) {
	if rl.config.CleanupInterval <= 0 || now.Sub(rl.lastCleanup) < rl.config.CleanupInterval {
		return
	}
	rl.lastCleanup = now

	removed := 0
	for chatID, state := range rl.chatStates {
		if now.Sub(state.LastCommandTime) > rl.config.CleanupInterval {
			delete(rl.chatStates, chatID)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_count", removed).
			WithField("active_chats", len(rl.chatStates)).
			Debug("Rate limiter cleanup completed")
	}
}
