package create

import (
	"context"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

func installNonIngress(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	var cmds []speaker.InstallCommand
	for _, p := range []*model.FlowPath{o.forward, o.reverse} {
		rules, err := o.deps.Factory.CreateInstallNonIngressRules(o.flow, p, o.encapsulation(p))
		if err != nil {
			return "", flowhs.Wrap(flowhs.KindInternal, "Failed to build non ingress rules", err)
		}
		cmds = append(cmds, rules...)
	}
	o.nonIngress = cmds
	return o.stages.SendInstalls(ctx, cmds, "install non ingress rules")
}

func installIngress(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	var cmds []speaker.InstallCommand
	for _, p := range []*model.FlowPath{o.forward, o.reverse} {
		rule, err := o.deps.Factory.CreateInstallIngressRule(o.flow, p, o.encapsulation(p))
		if err != nil {
			return "", flowhs.Wrap(flowhs.KindInternal, "Failed to build ingress rules", err)
		}
		cmds = append(cmds, rule)
	}
	o.ingress = cmds
	return o.stages.SendInstalls(ctx, cmds, "install ingress rules")
}

func (o *Operation) encapsulation(p *model.FlowPath) *model.EncapsulationResources {
	if o.resources == nil {
		return nil
	}
	res, ok := o.resources.ByPathID(p.PathID)
	if !ok {
		return nil
	}
	return res.Encapsulation
}

func onInstallResponse(stage string) fsm.Action[*Operation] {
	return func(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
		return o.stages.OnInstallResponse(ctx, payload, stage)
	}
}

// dumpRules asks every switch the expected rules live on for its table.
func dumpRules(expected func(*Operation) []speaker.InstallCommand) fsm.Action[*Operation] {
	return func(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
		return o.stages.DumpRules(ctx, expected(o))
	}
}

func onDumpResponse(stage string) fsm.Action[*Operation] {
	return func(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
		return o.stages.OnDumpResponse(ctx, payload, stage)
	}
}
