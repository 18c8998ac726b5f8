// Package flowhstest provides a recording carrier and topology fixtures for
// orchestrator tests.
package flowhstest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

// Sent is a command captured by the carrier.
type Sent struct {
	Key     string
	Command speaker.Command
}

// Carrier records everything sent through it. Refuse, when set, can reject
// a command before it is recorded.
type Carrier struct {
	Refuse func(cmd speaker.Command) error

	mu        sync.Mutex
	sent      []Sent
	unread    int
	responses []flowhs.Response
}

// NewCarrier returns an empty carrier.
func NewCarrier() *Carrier { return &Carrier{} }

func (c *Carrier) SendSpeakerCommand(_ context.Context, key string, cmd speaker.Command) error {
	if c.Refuse != nil {
		if err := c.Refuse(cmd); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Key: key, Command: cmd})
	return nil
}

func (c *Carrier) SendNorthboundResponse(_ context.Context, resp flowhs.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
}

// Take returns the commands sent since the previous Take.
func (c *Carrier) Take() []speaker.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []speaker.Command
	for _, s := range c.sent[c.unread:] {
		out = append(out, s.Command)
	}
	c.unread = len(c.sent)
	return out
}

// Sent returns every command sent.
func (c *Carrier) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SentTimes counts how often the command id was sent.
func (c *Carrier) SentTimes(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.Command.CommandHeader().CommandID == id {
			n++
		}
	}
	return n
}

// Responses returns every northbound response.
func (c *Carrier) Responses() []flowhs.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]flowhs.Response(nil), c.responses...)
}

// LastResponse returns the latest northbound response.
func (c *Carrier) LastResponse() (flowhs.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return flowhs.Response{}, false
	}
	return c.responses[len(c.responses)-1], true
}

// OfType filters commands by type.
func OfType(cmds []speaker.Command, types ...speaker.CommandType) []speaker.Command {
	want := make(map[speaker.CommandType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []speaker.Command
	for _, c := range cmds {
		if want[c.Type()] {
			out = append(out, c)
		}
	}
	return out
}
