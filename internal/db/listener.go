package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Channels the schema triggers publish on. The migration hardcodes the same
// names in its pg_notify calls.
const (
	ChannelCapabilityChanged = "breakerbox_capability_changed"
	ChannelPanicChanged      = "breakerbox_panic_changed"
)

type notifyConn interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

var newNotifyConn = func(dsn string, logger *slog.Logger) notifyConn {
	return pq.NewListener(dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("pg listener event", "event", int(ev), "err", err)
		}
	})
}

// ChangeListener subscribes to the schema's notify channels and forwards
// each notification so other instances' writes invalidate local caches.
// After a connection drop pq delivers a nil notification on reconnect; that
// is forwarded as an empty channel name, which callers treat as "anything
// may have changed".
type ChangeListener struct {
	DSN      string
	Channels []string
	OnEvent  func(channel, payload string)
	Logger   *slog.Logger

	// PingInterval keeps idle connections honest. Defaults to 90s.
	PingInterval time.Duration
}

func (l *ChangeListener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Run listens until ctx is cancelled. It returns early only on setup
// failure; runtime connection trouble is handled by pq's reconnect loop.
func (l *ChangeListener) Run(ctx context.Context) error {
	if l.DSN == "" {
		return errors.New("dsn required")
	}
	if len(l.Channels) == 0 {
		l.Channels = []string{ChannelCapabilityChanged, ChannelPanicChanged}
	}
	ping := l.PingInterval
	if ping <= 0 {
		ping = 90 * time.Second
	}
	conn := newNotifyConn(l.DSN, l.logger())
	defer conn.Close()

	// pq's Listen blocks while the connection is down, so subscribe off the
	// loop goroutine. The deferred Close unblocks it when ctx fires first.
	setup := make(chan error, 1)
	go func() {
		for _, ch := range l.Channels {
			if err := conn.Listen(ch); err != nil {
				setup <- fmt.Errorf("listen %s: %w", ch, err)
				return
			}
		}
		setup <- nil
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-setup:
		if err != nil {
			return err
		}
	}
	l.logger().Info("change listener started", "channels", l.Channels)
	notifications := conn.NotificationChannel()
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-notifications:
			if n == nil {
				// Reconnected; notifications may have been missed.
				if l.OnEvent != nil {
					l.OnEvent("", "")
				}
				continue
			}
			if l.OnEvent != nil {
				l.OnEvent(n.Channel, n.Extra)
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				l.logger().Warn("change listener ping failed", "err", err)
			}
		}
	}
}
