// Package testutils holds assertion helpers shared by package tests.
package testutils

import (
	"bytes"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewQuietLogger returns a logger that discards everything
func NewQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// LogCapture is a debug-level logger whose output can be inspected
type LogCapture struct {
	Logger *logrus.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLogCapture() *LogCapture {
	c := &LogCapture{Logger: logrus.New()}
	c.Logger.SetLevel(logrus.DebugLevel)
	c.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	c.Logger.SetOutput(c)
	return c
}

func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// String returns everything logged so far
func (c *LogCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
