package firewall

import (
	"context"
	"net/netip"
	"sync"
)

// fakeAdapter is an in-memory backend. Failures are queued per operation
// name and consumed one per call.
type fakeAdapter struct {
	driver Driver

	mu          sync.Mutex
	zone        map[netip.Prefix]bool
	isolated    map[string]bool
	forwards    map[string]PortForwardRule
	policy      bool
	strict      bool
	calls       map[string]int
	failures    map[string][]error
	invalidated int

	// block makes ApplyForward wait for ctx when set.
	block bool
}

func newFakeAdapter(d Driver) *fakeAdapter {
	return &fakeAdapter{
		driver:   d,
		zone:     make(map[netip.Prefix]bool),
		isolated: make(map[string]bool),
		forwards: make(map[string]PortForwardRule),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

func (f *fakeAdapter) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeAdapter) setStrict(v bool) {
	f.mu.Lock()
	f.strict = v
	f.mu.Unlock()
}

func (f *fakeAdapter) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAdapter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAdapter) inZone(p netip.Prefix) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zone[p]
}

func (f *fakeAdapter) isIsolated(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isolated[id]
}

func (f *fakeAdapter) hasForward(att Attachment, r PortForwardRule) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.forwards[tag(att, r.Normalize())]
	return ok
}

func (f *fakeAdapter) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

// begin records the call and returns the queued failure, if any.
// Callers hold f.mu.
func (f *fakeAdapter) begin(op string) error {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeAdapter) Driver() Driver { return f.driver }

func (f *fakeAdapter) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeAdapter) ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("apply_zone"); err != nil {
		return false, err
	}
	if f.zone[subnet] {
		return false, nil
	}
	f.zone[subnet] = true
	return true, nil
}

func (f *fakeAdapter) RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("remove_zone"); err != nil {
		return err
	}
	delete(f.zone, subnet)
	return nil
}

func (f *fakeAdapter) ApplyIsolation(ctx context.Context, n Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("apply_isolation"); err != nil {
		return err
	}
	f.isolated[n.ID] = true
	return nil
}

func (f *fakeAdapter) RemoveIsolation(ctx context.Context, n Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("remove_isolation"); err != nil {
		return err
	}
	delete(f.isolated, n.ID)
	return nil
}

func (f *fakeAdapter) applyForward(op string, att Attachment, r PortForwardRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(op); err != nil {
		return err
	}
	f.forwards[tag(att, r)] = r
	return nil
}

func (f *fakeAdapter) removeForward(op string, att Attachment, r PortForwardRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(op); err != nil {
		return err
	}
	delete(f.forwards, tag(att, r))
	return nil
}

func (f *fakeAdapter) ApplyForward(ctx context.Context, att Attachment, r PortForwardRule) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.applyForward("apply_forward", att, r)
}

func (f *fakeAdapter) RemoveForward(ctx context.Context, att Attachment, r PortForwardRule) error {
	return f.removeForward("remove_forward", att, r)
}

func (f *fakeAdapter) ApplyLocalhostPolicy(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("apply_localhost_policy"); err != nil {
		return false, err
	}
	if f.policy {
		return false, nil
	}
	f.policy = true
	return true, nil
}

func (f *fakeAdapter) ApplyLocalhostRule(ctx context.Context, att Attachment, r PortForwardRule) error {
	return f.applyForward("apply_localhost_rule", att, r)
}

func (f *fakeAdapter) RemoveLocalhostRule(ctx context.Context, att Attachment, r PortForwardRule) error {
	return f.removeForward("remove_localhost_rule", att, r)
}

func (f *fakeAdapter) QueryStrictForwardPorts(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("query_strict"); err != nil {
		return false, err
	}
	return f.strict, nil
}

// mutations counts calls that change backend state.
func (f *fakeAdapter) mutations() int {
	return f.total() - f.count("query_strict")
}
