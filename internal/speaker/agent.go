package speaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

var (
	ErrSwitchNotFound = errors.New("speaker: switch not found")
	ErrSwitchOffline  = errors.New("speaker: switch offline")
	ErrMeterConflict  = errors.New("speaker: meter owned by another flow")
	ErrRuleRejected   = errors.New("speaker: rule rejected")
	ErrUnknownCommand = errors.New("speaker: unknown command")
)

// Fault lets tests fail or delay a command before the agent applies it. A
// non-nil error is returned to the caller instead of executing cmd.
type Fault func(ctx context.Context, cmd Command) error

type switchState struct {
	online bool
	rules  map[RuleKey]FlowEntry
	meters map[model.MeterID]model.Cookie
}

// SwitchAgent simulates the rule tables of a set of switches.
type SwitchAgent struct {
	log logging.Logger

	mu       sync.Mutex
	switches map[model.SwitchID]*switchState
	fault    Fault
	rewrite  func(FlowEntry) FlowEntry
	observe  func(sw model.SwitchID, rules int)
}

// NewSwitchAgent returns an agent serving the given online switches.
func NewSwitchAgent(log logging.Logger, ids ...model.SwitchID) *SwitchAgent {
	if log == nil {
		log = logging.Noop()
	}
	a := &SwitchAgent{log: log, switches: make(map[model.SwitchID]*switchState)}
	for _, id := range ids {
		a.AddSwitch(id)
	}
	return a
}

// AddSwitch registers an empty online switch. Existing switches keep their
// tables.
func (a *SwitchAgent) AddSwitch(id model.SwitchID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.switches[id]; ok {
		return
	}
	a.switches[id] = &switchState{
		online: true,
		rules:  make(map[RuleKey]FlowEntry),
		meters: make(map[model.MeterID]model.Cookie),
	}
}

// SetOnline toggles whether sw answers commands.
func (a *SwitchAgent) SetOnline(id model.SwitchID, online bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.switches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwitchNotFound, id)
	}
	st.online = online
	return nil
}

// SetFault installs f; nil clears it.
func (a *SwitchAgent) SetFault(f Fault) {
	a.mu.Lock()
	a.fault = f
	a.mu.Unlock()
}

// SetRewrite makes the agent store fn(entry) instead of the requested rule.
func (a *SwitchAgent) SetRewrite(fn func(FlowEntry) FlowEntry) {
	a.mu.Lock()
	a.rewrite = fn
	a.mu.Unlock()
}

// OnRulesChanged registers a callback receiving the rule count of a switch
// after every change.
func (a *SwitchAgent) OnRulesChanged(fn func(sw model.SwitchID, rules int)) {
	a.mu.Lock()
	a.observe = fn
	a.mu.Unlock()
}

// Handle executes cmd and returns its response. Errors mean the switch did
// not execute the command.
func (a *SwitchAgent) Handle(ctx context.Context, cmd Command) (Response, error) {
	a.mu.Lock()
	fault := a.fault
	a.mu.Unlock()
	if fault != nil {
		if err := fault(ctx, cmd); err != nil {
			return Response{}, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	h := cmd.CommandHeader()
	st, ok := a.switches[h.SwitchID]
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrSwitchNotFound, h.SwitchID)
	}
	if !st.online {
		return Response{}, fmt.Errorf("%w: %s", ErrSwitchOffline, h.SwitchID)
	}

	resp := SuccessFor(cmd)
	switch c := cmd.(type) {
	case InstallCommand:
		if err := a.install(st, c.Entry()); err != nil {
			return Response{}, err
		}
	case *RemoveRule:
		n := 0
		for key, e := range st.rules {
			if c.Criteria.Matches(e) {
				delete(st.rules, key)
				n++
			}
		}
		if c.MeterID != nil {
			delete(st.meters, *c.MeterID)
		}
		resp.Description = fmt.Sprintf("removed %d rules", n)
	case *RemoveMeter:
		delete(st.meters, c.MeterID)
	case *DumpRules:
		resp.Entries = make([]FlowEntry, 0, len(st.rules))
		for _, e := range st.rules {
			resp.Entries = append(resp.Entries, e)
		}
		SortEntries(resp.Entries)
		return resp, nil
	default:
		return Response{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	if a.observe != nil {
		a.observe(h.SwitchID, len(st.rules))
	}
	a.log.Debug(ctx, "speaker command applied",
		logging.String("command", string(cmd.Type())),
		logging.String("command_id", h.CommandID.String()),
		logging.String("switch_id", h.SwitchID.String()),
		logging.Int("rules", len(st.rules)),
	)
	return resp, nil
}

func (a *SwitchAgent) install(st *switchState, e FlowEntry) error {
	if e.MeterID != 0 {
		if owner, taken := st.meters[e.MeterID]; taken && owner.Unmasked() != e.Cookie.Unmasked() {
			return fmt.Errorf("%w: meter %d on %s held by %s", ErrMeterConflict, e.MeterID, e.SwitchID, owner)
		}
		st.meters[e.MeterID] = e.Cookie
	}
	if a.rewrite != nil {
		e = a.rewrite(e)
	}
	st.rules[e.Key()] = e
	return nil
}

// Rules returns the rules held by sw, sorted.
func (a *SwitchAgent) Rules(sw model.SwitchID) []FlowEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.switches[sw]
	if !ok {
		return nil
	}
	out := make([]FlowEntry, 0, len(st.rules))
	for _, e := range st.rules {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

// Meters returns the meter ids installed on sw, ascending.
func (a *SwitchAgent) Meters(sw model.SwitchID) []model.MeterID {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.switches[sw]
	if !ok {
		return nil
	}
	out := make([]model.MeterID, 0, len(st.meters))
	for id := range st.meters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RuleCount returns the number of rules across all switches.
func (a *SwitchAgent) RuleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.switches {
		n += len(st.rules)
	}
	return n
}
