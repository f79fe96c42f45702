// Package fleettest provides in-memory fleet fakes for tests.
package fleettest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/3leaps/spotguard/pkg/fleet"
)

// Fake is an in-memory fleet.Controller, fleet.InterruptionSource and
// fleet.IdentitySource.
type Fake struct {
	mu sync.Mutex

	instances map[string]fleet.Instance
	nextID    int

	// Notice is returned by InterruptionNotice.
	Notice *fleet.Notice
	// NoticeErr is returned by InterruptionNotice.
	NoticeErr error

	// Self is returned by Identity.
	Self fleet.Identity

	// ExistsErr is returned by InstanceExists when set.
	ExistsErr error
	// ProvisionErr maps zone to the error Provision returns there.
	ProvisionErr map[string]error

	Provisioned []fleet.ProvisionRequest
	Terminated  []string
	NoticePolls int
}

var (
	_ fleet.Controller         = (*Fake)(nil)
	_ fleet.InterruptionSource = (*Fake)(nil)
	_ fleet.IdentitySource     = (*Fake)(nil)
)

// New returns an empty fake.
func New() *Fake {
	return &Fake{instances: make(map[string]fleet.Instance), ProvisionErr: make(map[string]error)}
}

// Add registers a running instance.
func (f *Fake) Add(inst fleet.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.State == "" {
		inst.State = "running"
	}
	f.instances[inst.ID] = inst
}

// Remove deletes an instance, as if it was reclaimed.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

// SetNotice sets the pending interruption notice.
func (f *Fake) SetNotice(n *fleet.Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notice = n
}

// Polls returns how many times InterruptionNotice was called.
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.NoticePolls
}

// Requests returns a snapshot of provision requests.
func (f *Fake) Requests() []fleet.ProvisionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.ProvisionRequest(nil), f.Provisioned...)
}

// InstanceExists implements fleet.Controller.
func (f *Fake) InstanceExists(_ context.Context, id, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExistsErr != nil {
		return false, f.ExistsErr
	}
	_, ok := f.instances[id]
	return ok, nil
}

// FindByRunID implements fleet.Controller.
func (f *Fake) FindByRunID(_ context.Context, runID string) ([]fleet.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fleet.Instance
	for _, inst := range f.instances {
		if inst.Tags[fleet.RunIDTag] == runID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Terminate implements fleet.Controller.
func (f *Fake) Terminate(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, id)
	delete(f.instances, id)
	return nil
}

// Provision implements fleet.Controller.
func (f *Fake) Provision(_ context.Context, req fleet.ProvisionRequest) (*fleet.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Provisioned = append(f.Provisioned, req)
	if err := f.ProvisionErr[req.Zone]; err != nil {
		return nil, err
	}
	f.nextID++
	inst := fleet.Instance{
		ID:    fmt.Sprintf("i-fake%04d", f.nextID),
		Zone:  req.Zone,
		State: "pending",
		Type:  req.Config.MachineType,
		Tags: map[string]string{
			fleet.RunIDTag:   req.RunID,
			fleet.AttemptTag: strconv.Itoa(req.Attempt),
			fleet.NameTag:    fleet.InstanceName(req.RunID, req.Attempt),
		},
	}
	f.instances[inst.ID] = inst
	return &inst, nil
}

// InterruptionNotice implements fleet.InterruptionSource.
func (f *Fake) InterruptionNotice(context.Context) (*fleet.Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NoticePolls++
	return f.Notice, f.NoticeErr
}

// Identity implements fleet.IdentitySource.
func (f *Fake) Identity(context.Context) (fleet.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Self, nil
}
