package notification

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logChannel appends one line per notification to a rotated file
type logChannel struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func newLogChannel(cfg LogConfig) *logChannel {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 1
	}
	return &logChannel{out: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
	}}
}

// Send writes "2026-01-16T10:30:00Z [SYNCED] provider: message".
func (c *logChannel) Send(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("%s [%s] %s\n",
		n.Time.UTC().Format("2006-01-02T15:04:05Z"), strings.ToUpper(string(n.Kind)), n.Message)
	if _, err := c.out.Write([]byte(line)); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (c *logChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Close()
}

// ReadLog returns the entries of the current log file, oldest first.
func ReadLog(path string) ([]string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var entries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		entries = append(entries, scanner.Text())
	}
	return entries, scanner.Err()
}
