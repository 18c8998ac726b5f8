package speaker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// ErrInvalidPath is returned when a path cannot be turned into rules.
var ErrInvalidPath = errors.New("speaker: invalid path")

// FlowCommandFactory derives the rules of a flow path.
type FlowCommandFactory struct {
	newID func() uuid.UUID
}

// NewFlowCommandFactory returns a factory generating random command ids.
func NewFlowCommandFactory() *FlowCommandFactory {
	return &FlowCommandFactory{newID: uuid.New}
}

func (f *FlowCommandFactory) header(flow *model.Flow, sw model.SwitchID, cookie model.Cookie) Header {
	return Header{CommandID: f.newID(), FlowID: flow.FlowID, SwitchID: sw, Cookie: cookie}
}

// endpoints returns where traffic of path enters and leaves the flow.
func endpoints(flow *model.Flow, path *model.FlowPath) (in, out model.FlowEndpoint, err error) {
	in, out = flow.Src, flow.Dst
	if path.Cookie.IsReverse() {
		in, out = flow.Dst, flow.Src
	} else if !path.Cookie.IsForward() {
		return in, out, fmt.Errorf("%w: path %s cookie %s has no direction", ErrInvalidPath, path.PathID, path.Cookie)
	}
	if path.SrcSwitchID != in.SwitchID || path.DstSwitchID != out.SwitchID {
		return in, out, fmt.Errorf("%w: path %s runs %s -> %s, flow side runs %s -> %s",
			ErrInvalidPath, path.PathID, path.SrcSwitchID, path.DstSwitchID, in.SwitchID, out.SwitchID)
	}
	return in, out, nil
}

func checkSegments(path *model.FlowPath) error {
	segs := path.Segments
	if len(segs) == 0 {
		if path.SrcSwitchID != path.DstSwitchID {
			return fmt.Errorf("%w: path %s has no segments", ErrInvalidPath, path.PathID)
		}
		return nil
	}
	if segs[0].SrcSwitchID != path.SrcSwitchID || segs[len(segs)-1].DstSwitchID != path.DstSwitchID {
		return fmt.Errorf("%w: path %s segments do not join its endpoints", ErrInvalidPath, path.PathID)
	}
	for i := 1; i < len(segs); i++ {
		if segs[i-1].DstSwitchID != segs[i].SrcSwitchID {
			return fmt.Errorf("%w: path %s breaks between %s and %s", ErrInvalidPath, path.PathID, segs[i-1], segs[i])
		}
	}
	return nil
}

// CreateInstallNonIngressRules returns the transit rules of every
// intermediate switch followed by the egress rule. One-switch paths have
// none.
func (f *FlowCommandFactory) CreateInstallNonIngressRules(flow *model.Flow, path *model.FlowPath, encap *model.EncapsulationResources) ([]InstallCommand, error) {
	in, out, err := endpoints(flow, path)
	if err != nil {
		return nil, err
	}
	if err := checkSegments(path); err != nil {
		return nil, err
	}
	segs := path.Segments
	if len(segs) == 0 {
		return nil, nil
	}
	if encap == nil {
		return nil, fmt.Errorf("%w: path %s needs encapsulation resources", ErrInvalidPath, path.PathID)
	}
	enc := encapsulationOf(encap)

	cmds := make([]InstallCommand, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		cmds = append(cmds, &InstallTransitRule{
			Header:        f.header(flow, segs[i].SrcSwitchID, path.Cookie),
			InPort:        segs[i-1].DstPort,
			OutPort:       segs[i].SrcPort,
			Encapsulation: enc,
		})
	}

	last := segs[len(segs)-1]
	egress := &InstallEgressRule{
		InstallTransitRule: InstallTransitRule{
			Header:        f.header(flow, last.DstSwitchID, path.Cookie),
			InPort:        last.DstPort,
			OutPort:       out.Port,
			Encapsulation: enc,
		},
		OutVlan: out.VlanID,
	}
	if enc.Type == model.EncapsulationVxlan {
		egress.OutputVlanType = ComputeOutputVlanType(in.VlanID, out.VlanID)
	} else if out.VlanID == 0 {
		egress.OutputVlanType = OutputVlanPop
	} else {
		egress.OutputVlanType = OutputVlanReplace
	}
	return append(cmds, egress), nil
}

// CreateInstallIngressRule returns the rule on the path's source switch.
// One-switch paths get a single rule connecting both endpoints.
func (f *FlowCommandFactory) CreateInstallIngressRule(flow *model.Flow, path *model.FlowPath, encap *model.EncapsulationResources) (InstallCommand, error) {
	in, out, err := endpoints(flow, path)
	if err != nil {
		return nil, err
	}
	if err := checkSegments(path); err != nil {
		return nil, err
	}

	if len(path.Segments) == 0 {
		return &InstallOneSwitchRule{
			Header:         f.header(flow, in.SwitchID, path.Cookie),
			InPort:         in.Port,
			InVlan:         in.VlanID,
			OutPort:        out.Port,
			OutVlan:        out.VlanID,
			OutputVlanType: ComputeOutputVlanType(in.VlanID, out.VlanID),
			MeterID:        path.MeterID,
			Bandwidth:      path.Bandwidth,
		}, nil
	}
	if encap == nil {
		return nil, fmt.Errorf("%w: path %s needs encapsulation resources", ErrInvalidPath, path.PathID)
	}

	cmd := &InstallIngressRule{
		Header:         f.header(flow, in.SwitchID, path.Cookie),
		InPort:         in.Port,
		InVlan:         in.VlanID,
		OutPort:        path.Segments[0].SrcPort,
		OutputVlanType: OutputVlanNone,
		Encapsulation:  encapsulationOf(encap),
		MeterID:        path.MeterID,
		Bandwidth:      path.Bandwidth,
	}
	if encap.Type != model.EncapsulationVxlan {
		if in.VlanID == 0 {
			cmd.OutputVlanType = OutputVlanPush
		} else {
			cmd.OutputVlanType = OutputVlanReplace
		}
	}
	return cmd, nil
}

// CreateRemoveNonIngressRules mirrors CreateInstallNonIngressRules.
func (f *FlowCommandFactory) CreateRemoveNonIngressRules(flow *model.Flow, path *model.FlowPath, encap *model.EncapsulationResources) ([]*RemoveRule, error) {
	installs, err := f.CreateInstallNonIngressRules(flow, path, encap)
	if err != nil {
		return nil, err
	}
	out := make([]*RemoveRule, 0, len(installs))
	for _, cmd := range installs {
		out = append(out, f.CreateRemoveRule(cmd))
	}
	return out, nil
}

// CreateRemoveIngressRule mirrors CreateInstallIngressRule.
func (f *FlowCommandFactory) CreateRemoveIngressRule(flow *model.Flow, path *model.FlowPath, encap *model.EncapsulationResources) (*RemoveRule, error) {
	install, err := f.CreateInstallIngressRule(flow, path, encap)
	if err != nil {
		return nil, err
	}
	return f.CreateRemoveRule(install), nil
}

// CreateRemoveRule returns the command that deletes exactly the rule install
// creates, together with its meter.
func (f *FlowCommandFactory) CreateRemoveRule(install InstallCommand) *RemoveRule {
	h := install.CommandHeader()
	h.CommandID = f.newID()
	e := install.Entry()

	rm := &RemoveRule{
		Header: h,
		Criteria: DeleteCriteria{
			Cookie:   e.Cookie,
			InPort:   e.InPort,
			InVlan:   e.InVlan,
			TunnelID: e.TunnelID,
		},
	}
	if _, oneSwitch := install.(*InstallOneSwitchRule); !oneSwitch {
		port := e.OutPort
		rm.Criteria.OutPort = &port
	}
	if e.MeterID != 0 {
		meter := e.MeterID
		rm.MeterID = &meter
	}
	return rm
}

// CreateRemoveMeter returns a command deleting meter from sw.
func (f *FlowCommandFactory) CreateRemoveMeter(flow *model.Flow, sw model.SwitchID, cookie model.Cookie, meter model.MeterID) *RemoveMeter {
	return &RemoveMeter{Header: f.header(flow, sw, cookie), MeterID: meter}
}

// CreateDumpRules returns one dump request per switch.
func (f *FlowCommandFactory) CreateDumpRules(flowID string, switches []model.SwitchID) []*DumpRules {
	out := make([]*DumpRules, 0, len(switches))
	for _, sw := range switches {
		out = append(out, &DumpRules{Header: Header{CommandID: f.newID(), FlowID: flowID, SwitchID: sw}})
	}
	return out
}
