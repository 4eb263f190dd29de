// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Client sends window records to the scheduler daemon. One connection
// per message: connect, write the three chunks, close. The scheduler is
// a best-effort consumer; on any error the send is abandoned and the
// sampler moves on to the next window.
type Client struct {
	logger     *slog.Logger
	socketPath string
	timeout    time.Duration
}

func NewClient(logger *slog.Logger, socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		logger:     logger.With("service", "sched-client"),
		socketPath: socketPath,
		timeout:    time.Second,
	}
}

// Send delivers one window record.
func (c *Client) Send(pid int, startup bool, rec *Record) error {
	msg := Message{PID: int32(pid), Record: *rec}
	if startup {
		msg.Startup = 1
	}
	return c.send(&msg)
}

// SendShutdown delivers the shutdown sentinel. Only the pid chunk
// matters; the daemon stops reading after it.
func (c *Client) SendShutdown() error {
	return c.send(&Message{PID: ShutdownPID})
}

func (c *Client) send(msg *Message) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connecting to scheduler at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("sending to scheduler: %w", err)
	}
	return nil
}
