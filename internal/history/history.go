// Package history records what flow operations did. Entries are best effort:
// callers log sink failures and carry on.
package history

import (
	"context"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/model"
)

// FlowDump is a snapshot of a flow and its primary paths.
type FlowDump struct {
	FlowID          string                  `json:"flow_id"`
	Status          model.FlowStatus        `json:"status"`
	Bandwidth       int64                   `json:"bandwidth"`
	IgnoreBandwidth bool                    `json:"ignore_bandwidth,omitempty"`
	Encapsulation   model.EncapsulationType `json:"encapsulation"`
	Src             model.FlowEndpoint      `json:"src"`
	Dst             model.FlowEndpoint      `json:"dst"`
	ForwardPathID   model.PathID            `json:"forward_path_id,omitempty"`
	ReversePathID   model.PathID            `json:"reverse_path_id,omitempty"`
	ForwardCookie   model.Cookie            `json:"forward_cookie,omitempty"`
	ReverseCookie   model.Cookie            `json:"reverse_cookie,omitempty"`
	ForwardMeter    model.MeterID           `json:"forward_meter,omitempty"`
	ReverseMeter    model.MeterID           `json:"reverse_meter,omitempty"`
	ForwardPath     []model.PathSegment     `json:"forward_path,omitempty"`
	ReversePath     []model.PathSegment     `json:"reverse_path,omitempty"`
}

// DumpFlow snapshots flow with its forward and reverse paths. Either path may
// be nil.
func DumpFlow(flow *model.Flow, forward, reverse *model.FlowPath) *FlowDump {
	if flow == nil {
		return nil
	}
	d := &FlowDump{
		FlowID:          flow.FlowID,
		Status:          flow.Status,
		Bandwidth:       flow.Bandwidth,
		IgnoreBandwidth: flow.IgnoreBandwidth,
		Encapsulation:   flow.Encapsulation,
		Src:             flow.Src,
		Dst:             flow.Dst,
		ForwardPathID:   flow.ForwardPathID,
		ReversePathID:   flow.ReversePathID,
	}
	if forward != nil {
		d.ForwardCookie = forward.Cookie
		d.ForwardMeter = forward.MeterID
		d.ForwardPath = append([]model.PathSegment(nil), forward.Segments...)
	}
	if reverse != nil {
		d.ReverseCookie = reverse.Cookie
		d.ReverseMeter = reverse.MeterID
		d.ReversePath = append([]model.PathSegment(nil), reverse.Segments...)
	}
	return d
}

// Entry is one history record. TaskID is the correlation key of the
// operation that produced it.
type Entry struct {
	TaskID    string    `json:"task_id"`
	FlowID    string    `json:"flow_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Before    *FlowDump `json:"before,omitempty"`
	After     *FlowDump `json:"after,omitempty"`
}

// Sink stores history entries.
type Sink interface {
	Save(ctx context.Context, e Entry) error
}
