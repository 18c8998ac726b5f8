package flowhs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

// PendingCommands tracks commands awaiting a speaker response, in send
// order. It is owned by a single machine and not safe for concurrent use.
type PendingCommands struct {
	order []uuid.UUID
	cmds  map[uuid.UUID]speaker.Command
}

// NewPendingCommands returns an empty tracker.
func NewPendingCommands() *PendingCommands {
	return &PendingCommands{cmds: make(map[uuid.UUID]speaker.Command)}
}

// Add tracks cmd under its command id. Adding a tracked id replaces it.
func (p *PendingCommands) Add(cmd speaker.Command) {
	id := cmd.CommandHeader().CommandID
	if _, ok := p.cmds[id]; !ok {
		p.order = append(p.order, id)
	}
	p.cmds[id] = cmd
}

// Complete removes id and returns its command. Unknown ids return false.
func (p *PendingCommands) Complete(id uuid.UUID) (speaker.Command, bool) {
	cmd, ok := p.cmds[id]
	if !ok {
		return nil, false
	}
	delete(p.cmds, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return cmd, true
}

// Get returns the command tracked under id.
func (p *PendingCommands) Get(id uuid.UUID) (speaker.Command, bool) {
	cmd, ok := p.cmds[id]
	return cmd, ok
}

func (p *PendingCommands) Contains(id uuid.UUID) bool {
	_, ok := p.cmds[id]
	return ok
}

func (p *PendingCommands) Len() int      { return len(p.cmds) }
func (p *PendingCommands) IsEmpty() bool { return len(p.cmds) == 0 }

// IDs returns the pending ids in send order.
func (p *PendingCommands) IDs() []uuid.UUID {
	return append([]uuid.UUID(nil), p.order...)
}

// Commands returns the pending commands in send order.
func (p *PendingCommands) Commands() []speaker.Command {
	out := make([]speaker.Command, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.cmds[id])
	}
	return out
}

// Reset drops everything.
func (p *PendingCommands) Reset() {
	p.order = nil
	p.cmds = make(map[uuid.UUID]speaker.Command)
}

// Failure is a command whose final response was negative.
type Failure struct {
	Command  speaker.Command
	Response speaker.Response
}

func (f Failure) String() string {
	h := f.Command.CommandHeader()
	return fmt.Sprintf("%s on %s: %s %s", f.Command.Type(), h.SwitchID, f.Response.ErrorCode, f.Response.Description)
}

// Batch is one round of commands sent to switches and the responses
// collected for them. Failed commands are resent with the same command id
// until their retries are spent.
type Batch struct {
	pending   *PendingCommands
	retries   int
	attempts  map[uuid.UUID]int
	failures  []Failure
	confirmed []speaker.Command
	responses []speaker.Response
}

// NewBatch allows retries resends per command.
func NewBatch(retries int) *Batch {
	if retries < 0 {
		retries = 0
	}
	return &Batch{
		pending:  NewPendingCommands(),
		retries:  retries,
		attempts: make(map[uuid.UUID]int),
	}
}

// Send tracks and sends cmds. Commands the carrier refuses are recorded as
// failed and the first refusal is returned.
func (b *Batch) Send(ctx context.Context, c Carrier, key string, cmds ...speaker.Command) error {
	for _, cmd := range cmds {
		b.pending.Add(cmd)
	}
	var first error
	for _, cmd := range cmds {
		if err := c.SendSpeakerCommand(ctx, key, cmd); err != nil {
			b.pending.Complete(cmd.CommandHeader().CommandID)
			b.failures = append(b.failures, Failure{
				Command:  cmd,
				Response: speaker.FailureFor(cmd, speaker.ErrorTransport, err.Error()),
			})
			if first == nil {
				first = fmt.Errorf("send %s to %s: %w", cmd.Type(), cmd.CommandHeader().SwitchID, err)
			}
		}
	}
	return first
}

// Handle applies resp. It reports false, and changes nothing, when resp does
// not answer a pending command.
func (b *Batch) Handle(ctx context.Context, c Carrier, key string, resp speaker.Response) (bool, error) {
	cmd, ok := b.pending.Get(resp.CommandID)
	if !ok {
		return false, nil
	}
	if !resp.Success && b.attempts[resp.CommandID] < b.retries {
		b.attempts[resp.CommandID]++
		if err := c.SendSpeakerCommand(ctx, key, cmd); err == nil {
			return true, nil
		}
	}
	b.pending.Complete(resp.CommandID)
	b.responses = append(b.responses, resp)
	if resp.Success {
		b.confirmed = append(b.confirmed, cmd)
	} else {
		b.failures = append(b.failures, Failure{Command: cmd, Response: resp})
	}
	return true, nil
}

// Attempts returns how many times the command was resent.
func (b *Batch) Attempts(id uuid.UUID) int { return b.attempts[id] }

// Done reports whether every command has a final response.
func (b *Batch) Done() bool { return b.pending.IsEmpty() }

// Pending exposes the outstanding commands.
func (b *Batch) Pending() *PendingCommands { return b.pending }

func (b *Batch) Failed() bool                 { return len(b.failures) > 0 }
func (b *Batch) Failures() []Failure          { return append([]Failure(nil), b.failures...) }
func (b *Batch) Confirmed() []speaker.Command { return append([]speaker.Command(nil), b.confirmed...) }

// Responses returns the final responses, in arrival order.
func (b *Batch) Responses() []speaker.Response {
	return append([]speaker.Response(nil), b.responses...)
}

// Abandon moves every outstanding command to the failures with the given
// reason. Used when a deadline expires.
func (b *Batch) Abandon(reason string) []speaker.Command {
	cmds := b.pending.Commands()
	for _, cmd := range cmds {
		b.failures = append(b.failures, Failure{
			Command:  cmd,
			Response: speaker.FailureFor(cmd, speaker.ErrorTransport, reason),
		})
	}
	b.pending.Reset()
	return cmds
}

// FailedCommands returns the commands of every failure.
func (b *Batch) FailedCommands() []speaker.Command {
	out := make([]speaker.Command, 0, len(b.failures))
	for _, f := range b.failures {
		out = append(out, f.Command)
	}
	return out
}

// InstallError is the error an install or validation batch ends with when any
// command failed.
func (b *Batch) InstallError(flowID, stage string) error {
	if !b.Failed() {
		return nil
	}
	return &Error{
		Kind:        KindRemoteInstallFailure,
		Message:     "Failed to " + stage,
		Description: fmt.Sprintf("%d command(s) failed, first: %s", len(b.failures), b.failures[0]),
		FlowID:      flowID,
	}
}
