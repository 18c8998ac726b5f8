// Package topology loads a YAML description of switches, inter-switch links
// and bootstrap flows into a store.
package topology

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs/create"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"gopkg.in/yaml.v3"
)

// Topology is the decoded document.
type Topology struct {
	Nodes []SwitchSpec `yaml:"switches"`
	Links []LinkSpec   `yaml:"links"`
	Flows []FlowSpec   `yaml:"flows"`
}

type SwitchSpec struct {
	ID          model.SwitchID `yaml:"id"`
	Status      string         `yaml:"status"` // "active" (default) | "inactive"
	Description string         `yaml:"description"`
}

// LinkSpec is one ISL. Unless bidirectional is false the reverse direction
// is stored as well.
type LinkSpec struct {
	Src           model.SwitchID `yaml:"src"`
	SrcPort       int            `yaml:"src_port"`
	Dst           model.SwitchID `yaml:"dst"`
	DstPort       int            `yaml:"dst_port"`
	Latency       string         `yaml:"latency"`
	Cost          int            `yaml:"cost"`
	MaxBandwidth  int64          `yaml:"max_bandwidth"` // kbps
	Status        string         `yaml:"status"`
	Bidirectional *bool          `yaml:"bidirectional"`
}

type EndpointSpec struct {
	Switch model.SwitchID `yaml:"switch"`
	Port   int            `yaml:"port"`
	Vlan   int            `yaml:"vlan"`
}

// FlowSpec is a flow created once the controller is up.
type FlowSpec struct {
	ID              string       `yaml:"id"`
	Src             EndpointSpec `yaml:"src"`
	Dst             EndpointSpec `yaml:"dst"`
	Bandwidth       int64        `yaml:"bandwidth"`
	IgnoreBandwidth bool         `yaml:"ignore_bandwidth"`
	Encapsulation   string       `yaml:"encapsulation"`
	Description     string       `yaml:"description"`
}

// Load reads and parses the file at path.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology: %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes data and checks it for structural errors. Unknown keys are
// rejected; an empty document is an empty topology.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate reports every problem found, joined.
func (t *Topology) Validate() error {
	var errs []error
	known := make(map[model.SwitchID]bool, len(t.Nodes))
	for i, sw := range t.Nodes {
		if sw.ID == 0 {
			errs = append(errs, fmt.Errorf("switch %d: id is required", i))
			continue
		}
		if known[sw.ID] {
			errs = append(errs, fmt.Errorf("switch %s: duplicate", sw.ID))
		}
		known[sw.ID] = true
		if _, err := switchStatus(sw.Status); err != nil {
			errs = append(errs, fmt.Errorf("switch %s: %w", sw.ID, err))
		}
	}
	seen := make(map[model.IslEndpoints]bool)
	for i, l := range t.Links {
		name := fmt.Sprintf("link %d (%s:%d -> %s:%d)", i, l.Src, l.SrcPort, l.Dst, l.DstPort)
		if !known[l.Src] || !known[l.Dst] {
			errs = append(errs, fmt.Errorf("%s: unknown switch", name))
		}
		if l.Src == l.Dst {
			errs = append(errs, fmt.Errorf("%s: loops are not allowed", name))
		}
		if l.SrcPort <= 0 || l.DstPort <= 0 {
			errs = append(errs, fmt.Errorf("%s: ports must be positive", name))
		}
		if l.MaxBandwidth < 0 {
			errs = append(errs, fmt.Errorf("%s: negative bandwidth", name))
		}
		if _, err := l.latency(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if _, err := islStatus(l.Status); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		for _, e := range l.Endpoints() {
			if seen[e] {
				errs = append(errs, fmt.Errorf("%s: %s defined twice", name, e))
			}
			seen[e] = true
		}
	}
	ids := make(map[string]bool, len(t.Flows))
	for i, f := range t.Flows {
		if f.ID == "" {
			errs = append(errs, fmt.Errorf("flow %d: id is required", i))
			continue
		}
		if ids[f.ID] {
			errs = append(errs, fmt.Errorf("flow %s: duplicate", f.ID))
		}
		ids[f.ID] = true
		if !known[f.Src.Switch] || !known[f.Dst.Switch] {
			errs = append(errs, fmt.Errorf("flow %s: unknown switch", f.ID))
		}
		if f.Bandwidth < 0 {
			errs = append(errs, fmt.Errorf("flow %s: negative bandwidth", f.ID))
		}
		if _, err := model.ParseEncapsulationType(f.Encapsulation); err != nil {
			errs = append(errs, fmt.Errorf("flow %s: %w", f.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Apply stores every switch and ISL in one transaction. Links start with
// their whole bandwidth available.
func (t *Topology) Apply(ctx context.Context, store persistence.Store) error {
	return store.DoInTransaction(ctx, func(ctx context.Context, tx persistence.Repositories) error {
		for _, sw := range t.Nodes {
			status, _ := switchStatus(sw.Status)
			if err := tx.Switches().CreateOrUpdate(ctx, &model.Switch{
				SwitchID:    sw.ID,
				Status:      status,
				Description: sw.Description,
			}); err != nil {
				return fmt.Errorf("topology: store switch %s: %w", sw.ID, err)
			}
		}
		for _, l := range t.Links {
			latency, _ := l.latency()
			status, _ := islStatus(l.Status)
			for _, e := range l.Endpoints() {
				if err := tx.Isls().CreateOrUpdate(ctx, &model.Isl{
					IslEndpoints:       e,
					Latency:            latency,
					Cost:               l.Cost,
					MaxBandwidth:       l.MaxBandwidth,
					AvailableBandwidth: l.MaxBandwidth,
					Status:             status,
				}); err != nil {
					return fmt.Errorf("topology: store isl %s: %w", e, err)
				}
			}
		}
		return nil
	})
}

// Switches returns the ids of every switch, in document order.
func (t *Topology) Switches() []model.SwitchID {
	out := make([]model.SwitchID, 0, len(t.Nodes))
	for _, sw := range t.Nodes {
		out = append(out, sw.ID)
	}
	return out
}

// Requests converts the bootstrap flows into create requests.
func (t *Topology) Requests() []create.Request {
	out := make([]create.Request, 0, len(t.Flows))
	for _, f := range t.Flows {
		enc, _ := model.ParseEncapsulationType(f.Encapsulation)
		out = append(out, create.Request{
			FlowID:          f.ID,
			Src:             f.Src.endpoint(),
			Dst:             f.Dst.endpoint(),
			Bandwidth:       f.Bandwidth,
			IgnoreBandwidth: f.IgnoreBandwidth,
			Encapsulation:   enc,
			Description:     f.Description,
		})
	}
	return out
}

// TotalBandwidth sums the capacity of every stored direction.
func (t *Topology) TotalBandwidth() int64 {
	var total int64
	for _, l := range t.Links {
		total += l.MaxBandwidth * int64(len(l.Endpoints()))
	}
	return total
}

func (e EndpointSpec) endpoint() model.FlowEndpoint {
	return model.FlowEndpoint{SwitchID: e.Switch, Port: e.Port, VlanID: e.Vlan}
}

// Endpoints lists the directions stored for l.
func (l LinkSpec) Endpoints() []model.IslEndpoints {
	fwd := model.IslEndpoints{SrcSwitchID: l.Src, SrcPort: l.SrcPort, DstSwitchID: l.Dst, DstPort: l.DstPort}
	if l.Bidirectional != nil && !*l.Bidirectional {
		return []model.IslEndpoints{fwd}
	}
	return []model.IslEndpoints{fwd, fwd.Reverse()}
}

func (l LinkSpec) latency() (time.Duration, error) {
	if l.Latency == "" {
		return time.Millisecond, nil
	}
	d, err := time.ParseDuration(l.Latency)
	if err != nil {
		return 0, fmt.Errorf("latency: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("latency %s is negative", d)
	}
	return d, nil
}

func switchStatus(s string) (model.SwitchStatus, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return model.SwitchStatusActive, nil
	case "inactive":
		return model.SwitchStatusInactive, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

func islStatus(s string) (model.IslStatus, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return model.IslStatusActive, nil
	case "inactive":
		return model.IslStatusInactive, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}
