package reroute

import (
	"context"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/fsm"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
)

func installNonIngress(ctx context.Context, o *Operation, _ any) (fsm.Event, error) {
	var cmds []speaker.InstallCommand
	for _, p := range o.newPaths() {
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
	for _, p := range o.newPaths() {
		rule, err := o.deps.Factory.CreateInstallIngressRule(o.flow, p, o.encapsulation(p))
		if err != nil {
			return "", flowhs.Wrap(flowhs.KindInternal, "Failed to build ingress rules", err)
		}
		cmds = append(cmds, rule)
	}
	o.ingress = cmds
	event, err := o.stages.SendInstalls(ctx, cmds, "install ingress rules")
	if err == nil {
		o.deps.SaveHistory(ctx, o.key, o.flowID, "Install ingress commands have been sent", "", nil, nil)
	}
	return event, err
}

func onInstallResponse(stage string) fsm.Action[*Operation] {
	return func(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
		return o.stages.OnInstallResponse(ctx, payload, stage)
	}
}

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

func onRemoveResponse(ctx context.Context, o *Operation, payload any) (fsm.Event, error) {
	return o.stages.OnRemoveResponse(ctx, payload)
}
