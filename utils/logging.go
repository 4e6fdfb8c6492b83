package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
}

func NewLogger(config *Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})

	if config.LogFilePath == "" {
		logger.SetOutput(os.Stdout)
		return &Logger{Logger: logger}, nil
	}

	logDir := filepath.Dir(config.LogFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   config.LogFilePath,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	logger.SetOutput(io.MultiWriter(os.Stdout, fileLogger))

	return &Logger{Logger: logger}, nil
}

// NewDiscardLogger returns a logger that writes nowhere. Used by tests and tools.
func NewDiscardLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return &Logger{Logger: logger}
}

func (l *Logger) WithTaskID(taskID string) *logrus.Entry {
	return l.WithField("task_id", taskID)
}

func (l *Logger) WithGameID(gameID int64) *logrus.Entry {
	return l.WithField("game_id", gameID)
}

func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithField("component", component)
}
