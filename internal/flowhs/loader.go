package flowhs

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
)

// FlowLoader caches a flow and its paths for one unit of work. Callers
// invalidate it after writing.
type FlowLoader struct {
	repos  persistence.Repositories
	flowID string
	flow   *model.Flow
	paths  map[model.PathID]*model.FlowPath
}

// NewFlowLoader reads through repos.
func NewFlowLoader(repos persistence.Repositories, flowID string) *FlowLoader {
	return &FlowLoader{repos: repos, flowID: flowID, paths: make(map[model.PathID]*model.FlowPath)}
}

// Flow returns a copy of the cached flow, loading it on first use.
func (l *FlowLoader) Flow(ctx context.Context) (*model.Flow, error) {
	if l.flow == nil {
		f, err := l.repos.Flows().FindByID(ctx, l.flowID)
		if err != nil {
			return nil, loadError(err, l.flowID, "Could not find flow", fmt.Sprintf("flow %s", l.flowID))
		}
		l.flow = f
	}
	return l.flow.Clone(), nil
}

// Path returns a copy of the cached path.
func (l *FlowLoader) Path(ctx context.Context, id model.PathID) (*model.FlowPath, error) {
	p, ok := l.paths[id]
	if !ok {
		var err error
		p, err = l.repos.FlowPaths().FindByID(ctx, id)
		if err != nil {
			return nil, loadError(err, l.flowID, "Could not find flow path", fmt.Sprintf("path %s", id))
		}
		l.paths[id] = p
	}
	return p.Clone(), nil
}

// OptionalPath is Path returning nil for an empty id or a missing row.
func (l *FlowLoader) OptionalPath(ctx context.Context, id model.PathID) (*model.FlowPath, error) {
	if id == "" {
		return nil, nil
	}
	p, err := l.Path(ctx, id)
	if KindOf(err) == KindNotFound {
		return nil, nil
	}
	return p, err
}

// Invalidate drops everything cached.
func (l *FlowLoader) Invalidate() {
	l.flow = nil
	l.paths = make(map[model.PathID]*model.FlowPath)
}

func loadError(err error, flowID, message, what string) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: message, Description: what + " not found", FlowID: flowID, Err: err}
	}
	return &Error{Kind: KindPersistenceFailure, Message: message, Description: err.Error(), FlowID: flowID, Err: err}
}
