package slackbot

import "sync/atomic"

// connection tracks whether the Socket Mode link is up. The webhook server
// reports it on /readyz.
type connection struct {
	up atomic.Bool
}

// SetConnected updates the bot's connection state.
func (b *Bot) SetConnected(connected bool) {
	if b.conn.up.Swap(connected) != connected {
		b.logger.Info("slackbot: connection state changed", "connected", connected)
	}
}

// IsConnected reports whether the bot currently holds a Socket Mode connection.
func (b *Bot) IsConnected() bool {
	return b.conn.up.Load()
}
