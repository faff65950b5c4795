package game

import (
	"encoding/json"
	"log/slog"
)

// Subscription identifies one binding of a connection to a slot. Events that
// carry a subscription which is no longer current are ignored.
type Subscription struct {
	slot int
	conn Conn
}

func (s *Subscription) Slot() int { return s.slot }

// Channel is the outbound side of one player slot. It is owned by the
// session goroutine and is not safe for concurrent use.
type Channel struct {
	slot int
	conn Conn
	sub  *Subscription
	seq  int64
	log  *slog.Logger
}

func newChannel(slot int, log *slog.Logger) *Channel {
	return &Channel{slot: slot, log: log}
}

// Bind attaches conn to an empty slot. A slot that is already bound rejects
// the new connection and closes it.
func (c *Channel) Bind(conn Conn) (*Subscription, bool) {
	if c.sub != nil {
		conn.Close()
		return nil, false
	}
	c.conn = conn
	c.sub = &Subscription{slot: c.slot, conn: conn}
	return c.sub, true
}

func (c *Channel) Bound() bool { return c.sub != nil }

// Current reports whether sub is the live binding.
func (c *Channel) Current(sub *Subscription) bool {
	return sub != nil && sub == c.sub
}

// Unbind releases sub. The sequence counter is kept so ids stay monotonic
// across reconnects.
func (c *Channel) Unbind(sub *Subscription) bool {
	if !c.Current(sub) {
		return false
	}
	c.sub = nil
	c.conn = nil
	return true
}

// Release closes and unbinds whatever connection is bound.
func (c *Channel) Release() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.sub = nil
	c.conn = nil
}

// Send stamps msg with the next sequence number and writes it. Without a
// bound connection the message is dropped. A failed write degrades the slot
// to disconnected.
func (c *Channel) Send(msg Outbound) bool {
	if c.sub == nil {
		return false
	}
	msg.stamp(c.seq)
	c.seq++

	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode outbound message", "slot", c.slot, "err", err)
		return false
	}
	if err := c.conn.Send(b); err != nil {
		c.log.Warn("send failed, dropping connection", "slot", c.slot, "err", err)
		c.Release()
		return false
	}
	return true
}
