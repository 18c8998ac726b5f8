package runtime

import (
	"context"
	"sync"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/service"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

// speakerCarrier runs every command on its own goroutine and routes the
// response back to the registry under the command's key. Northbound
// responses that do not fit the channel wait in an overflow queue, in order,
// until the reader catches up or the runtime stops.
type speakerCarrier struct {
	ctx       context.Context
	exec      Executor
	registry  *service.Registry
	responses chan<- flowhs.Response
	log       logging.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	qmu      sync.Mutex
	overflow []flowhs.Response
	draining bool
}

func newSpeakerCarrier(ctx context.Context, exec Executor, registry *service.Registry, responses chan<- flowhs.Response, log logging.Logger) *speakerCarrier {
	return &speakerCarrier{ctx: ctx, exec: exec, registry: registry, responses: responses, log: log}
}

func (c *speakerCarrier) SendSpeakerCommand(_ context.Context, key string, cmd speaker.Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrStopped
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx := logging.ContextWithCorrelationID(c.ctx, key)
		resp := c.exec.Execute(ctx, key, cmd)
		if c.ctx.Err() != nil {
			c.log.Debug(ctx, "dropping speaker response after stop",
				logging.String("key", key),
				logging.String("command_id", resp.CommandID.String()),
			)
			return
		}
		if err := c.registry.HandleAsyncResponse(ctx, key, resp); err != nil {
			c.log.Error(ctx, "speaker response handling failed",
				logging.String("key", key),
				logging.String("command", string(cmd.Type())),
				logging.Err(err),
			)
		}
	}()
	return nil
}

// SendNorthboundResponse never blocks the caller, which usually holds the
// registry lock.
func (c *speakerCarrier) SendNorthboundResponse(ctx context.Context, resp flowhs.Response) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.overflow) == 0 {
		select {
		case c.responses <- resp:
			return
		default:
		}
	}
	c.overflow = append(c.overflow, resp)
	if c.draining {
		return
	}
	c.draining = true
	c.log.Warn(ctx, "response channel full, queueing responses",
		logging.String("key", resp.Key),
		logging.String("flow_id", resp.FlowID),
	)
	go c.drain()
}

func (c *speakerCarrier) drain() {
	for {
		c.qmu.Lock()
		if len(c.overflow) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		resp := c.overflow[0]
		c.qmu.Unlock()

		select {
		case c.responses <- resp:
		case <-c.ctx.Done():
			c.qmu.Lock()
			dropped := len(c.overflow)
			c.overflow = nil
			c.draining = false
			c.qmu.Unlock()
			c.log.Debug(context.Background(), "dropping queued responses after stop",
				logging.Int("responses", dropped),
			)
			return
		}

		c.qmu.Lock()
		c.overflow = c.overflow[1:]
		c.qmu.Unlock()
	}
}

// queued reports how many responses wait for room in the channel.
func (c *speakerCarrier) queued() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.overflow)
}

// wait refuses further commands and waits for the calls in flight.
func (c *speakerCarrier) wait() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
