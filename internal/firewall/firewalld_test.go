package firewall

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portcullis/internal/logging"
)

func firewalldException(code, detail string) dbus.Error {
	return dbus.Error{
		Name: "org.fedoraproject.FirewallD1.Exception",
		Body: []interface{}{code + ": " + detail},
	}
}

// fakeFirewalld answers the firewalld DBus methods the driver calls from
// in-memory state. It serves both the main and the config object.
type fakeFirewalld struct {
	mu          sync.Mutex
	defaultZone string
	sources     map[string][]string
	ports       map[string][]string
	policies    map[string][]string
	active      map[string]bool
	strict      interface{}
	reloads     int
	calls       []string
	fail        map[string]error
}

func newFakeFirewalld() *fakeFirewalld {
	return &fakeFirewalld{
		defaultZone: "public",
		sources:     make(map[string][]string),
		ports:       make(map[string][]string),
		policies:    make(map[string][]string),
		active:      make(map[string]bool),
		strict:      false,
		fail:        make(map[string]error),
	}
}

func member(method string) string {
	return method[strings.LastIndex(method, ".")+1:]
}

func (f *fakeFirewalld) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := member(method)
	f.calls = append(f.calls, name)
	if e, ok := f.fail[name]; ok {
		return &dbus.Call{Method: method, Args: args, Err: e}
	}
	body, err := f.handle(name, args)
	return &dbus.Call{Method: method, Args: args, Body: body, Err: err}
}

func (f *fakeFirewalld) handle(name string, args []interface{}) ([]interface{}, error) {
	str := func(i int) string { return args[i].(string) }
	switch name {
	case "getDefaultZone":
		return []interface{}{f.defaultZone}, nil
	case "addSource":
		zone, src := str(0), str(1)
		if slices.Contains(f.sources[zone], src) {
			return nil, firewalldException("ALREADY_ENABLED", src)
		}
		f.sources[zone] = append(f.sources[zone], src)
		return []interface{}{zone}, nil
	case "removeSource":
		zone, src := str(0), str(1)
		if !slices.Contains(f.sources[zone], src) {
			return nil, firewalldException("NOT_ENABLED", src)
		}
		f.sources[zone] = slices.DeleteFunc(f.sources[zone], func(s string) bool { return s == src })
		return []interface{}{zone}, nil
	case "addForwardPort":
		zone, port := str(0), strings.Join([]string{str(1), str(2), str(3), str(4)}, ":")
		if slices.Contains(f.ports[zone], port) {
			return nil, firewalldException("ALREADY_ENABLED", port)
		}
		f.ports[zone] = append(f.ports[zone], port)
		return []interface{}{zone}, nil
	case "removeForwardPort":
		zone, port := str(0), strings.Join([]string{str(1), str(2), str(3), str(4)}, ":")
		if !slices.Contains(f.ports[zone], port) {
			return nil, firewalldException("NOT_ENABLED", port)
		}
		f.ports[zone] = slices.DeleteFunc(f.ports[zone], func(s string) bool { return s == port })
		return []interface{}{zone}, nil
	case "getPolicyNames":
		names := make([]string, 0, len(f.policies))
		for n := range f.policies {
			names = append(names, n)
		}
		return []interface{}{names}, nil
	case "addPolicy":
		name := str(0)
		if _, ok := f.policies[name]; ok {
			return nil, firewalldException("NAME_CONFLICT", name)
		}
		settings := args[1].(map[string]dbus.Variant)
		if settings["target"].Value() != "CONTINUE" {
			return nil, firewalldException("INVALID_TARGET", fmt.Sprint(settings["target"]))
		}
		f.policies[name] = nil
		return []interface{}{dbus.ObjectPath("/org/fedoraproject/FirewallD1/config/policy/0")}, nil
	case "getPolicies":
		names := make([]string, 0, len(f.active))
		for n := range f.active {
			names = append(names, n)
		}
		return []interface{}{names}, nil
	case "getPolicySettings":
		rules, ok := f.policies[str(0)]
		if !ok || !f.active[str(0)] {
			return nil, firewalldException("INVALID_POLICY", str(0))
		}
		return []interface{}{map[string]dbus.Variant{
			"target":     dbus.MakeVariant("CONTINUE"),
			"rich_rules": dbus.MakeVariant(slices.Clone(rules)),
		}}, nil
	case "setPolicySettings":
		name := str(0)
		if _, ok := f.policies[name]; !ok || !f.active[name] {
			return nil, firewalldException("INVALID_POLICY", name)
		}
		settings := args[1].(map[string]dbus.Variant)
		var rules []string
		if err := settings["rich_rules"].Store(&rules); err != nil {
			return nil, err
		}
		f.policies[name] = rules
		return nil, nil
	case "reload":
		f.reloads++
		for n := range f.policies {
			f.active[n] = true
		}
		return nil, nil
	}
	return nil, dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod", Body: []interface{}{name}}
}

func (f *fakeFirewalld) GetProperty(p string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p != firewalldStrictProperty {
		return dbus.Variant{}, dbus.Error{Name: "org.freedesktop.DBus.Error.InvalidArgs", Body: []interface{}{p}}
	}
	if err, ok := f.fail["GetProperty"]; ok {
		return dbus.Variant{}, err
	}
	return dbus.MakeVariant(f.strict), nil
}

func newTestFirewalld(opts FirewalldOptions) (*FirewalldAdapter, *fakeFirewalld) {
	fake := newFakeFirewalld()
	if opts.LocalhostPolicy == "" {
		opts.LocalhostPolicy = "portcullis-localhost"
	}
	opts.Logger = logging.Discard()
	return newFirewalldAdapter(fake, fake, opts), fake
}

func TestFirewalld_Zone(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})

	created, err := fw.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"10.88.0.0/16"}, fake.sources["trusted"])

	created, err = fw.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.False(t, created, "ALREADY_ENABLED means an existing member")

	require.NoError(t, fw.RemoveZone(ctx, subnetA, "trusted"))
	assert.Empty(t, fake.sources["trusted"])
	require.NoError(t, fw.RemoveZone(ctx, subnetA, "trusted"), "NOT_ENABLED is success")
}

func TestFirewalld_IsolationUnsupported(t *testing.T) {
	fw, fake := newTestFirewalld(FirewalldOptions{})
	err := fw.ApplyIsolation(context.Background(), net1)
	require.ErrorIs(t, err, ErrUnsupportedByDriver)
	assert.Empty(t, fake.calls)
	assert.NoError(t, fw.RemoveIsolation(context.Background(), net1))
}

func TestFirewalld_ForwardUsesDefaultZone(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})
	r := rule(8080, "10.88.0.2", 80).Normalize()

	require.NoError(t, fw.ApplyForward(ctx, att1, r))
	require.NoError(t, fw.ApplyForward(ctx, att1, r))
	assert.Equal(t, []string{"8080:tcp:80:10.88.0.2"}, fake.ports["public"])

	require.NoError(t, fw.RemoveForward(ctx, att1, r))
	require.NoError(t, fw.RemoveForward(ctx, att1, r))
	assert.Empty(t, fake.ports["public"])
}

func TestFirewalld_ForwardZoneOverride(t *testing.T) {
	fw, fake := newTestFirewalld(FirewalldOptions{ForwardZone: "dmz"})
	require.NoError(t, fw.ApplyForward(context.Background(), att1, rule(8080, "10.88.0.2", 80).Normalize()))
	assert.Len(t, fake.ports["dmz"], 1)
	assert.NotContains(t, fake.calls, "getDefaultZone")
}

func TestFirewalld_LocalhostPolicy(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})

	created, err := fw.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, fake.reloads)
	assert.Contains(t, fake.policies, "portcullis-localhost")

	created, err = fw.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, fake.reloads)
}

func TestFirewalld_LocalhostPolicyActivatedAfterFailedReload(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})
	fake.fail["reload"] = dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}

	_, err := fw.ApplyLocalhostPolicy(ctx)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Contains(t, fake.policies, "portcullis-localhost")
	assert.Empty(t, fake.active)

	err = fw.ApplyLocalhostRule(ctx, att1, loopbackRule(8080, "10.88.0.2", 80))
	require.ErrorIs(t, err, ErrInvalidRule, "the permanent policy is not usable before a reload")

	delete(fake.fail, "reload")
	created, err := fw.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.True(t, created, "activating the policy reloads firewalld")
	assert.Equal(t, 1, fake.reloads)
	assert.True(t, fake.active["portcullis-localhost"])
	assert.Equal(t, 1, countCalls(fake.calls, "addPolicy"))

	require.NoError(t, fw.ApplyLocalhostRule(ctx, att1, loopbackRule(8080, "10.88.0.2", 80)))

	created, err = fw.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, fake.reloads)
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestFirewalld_LocalhostRules(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})
	_, err := fw.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)

	r := loopbackRule(8080, "10.88.0.2", 80)
	require.NoError(t, fw.ApplyLocalhostRule(ctx, att1, r))
	require.NoError(t, fw.ApplyLocalhostRule(ctx, att1, r))
	require.Equal(t, []string{
		`rule family="ipv4" destination address="127.0.0.1" forward-port port="8080" protocol="tcp" to-port="80" to-addr="10.88.0.2"`,
	}, fake.policies["portcullis-localhost"])

	other := loopbackRule(9090, "10.88.0.3", 90)
	require.NoError(t, fw.ApplyLocalhostRule(ctx, att2, other))
	require.NoError(t, fw.RemoveLocalhostRule(ctx, att1, r))
	assert.Equal(t, []string{richRule(other)}, fake.policies["portcullis-localhost"])

	err = fw.ApplyLocalhostRule(ctx, att1, loopbackRule(8080, "fd00:88::2", 80))
	require.ErrorIs(t, err, ErrUnsupportedAddressFamily)
}

func TestFirewalld_RemoveLocalhostRuleWithoutPolicy(t *testing.T) {
	fw, _ := newTestFirewalld(FirewalldOptions{})
	require.NoError(t, fw.RemoveLocalhostRule(context.Background(), att1, loopbackRule(8080, "10.88.0.2", 80)))
}

func TestFirewalld_StrictForwardPorts(t *testing.T) {
	ctx := context.Background()
	fw, fake := newTestFirewalld(FirewalldOptions{})

	for _, tt := range []struct {
		value interface{}
		want  bool
	}{
		{false, false},
		{true, true},
		{"yes", true},
		{"no", false},
	} {
		fake.strict = tt.value
		got, err := fw.QueryStrictForwardPorts(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v", tt.value)
	}
}

func TestFirewalld_StrictCheckWithoutDaemon(t *testing.T) {
	fake := newFakeFirewalld()
	fake.fail["GetProperty"] = dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown", Body: []interface{}{"The name is not activatable"}}

	strict, err := strictCheckFor(fake)(context.Background())
	require.NoError(t, err)
	assert.False(t, strict)

	fake.fail["GetProperty"] = dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied", Body: []interface{}{"denied"}}
	_, err = strictCheckFor(fake)(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)

	strict, err = FirewalldStrictCheck(nil)(context.Background())
	require.NoError(t, err)
	assert.False(t, strict)
}

func TestFirewalldError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"access denied", firewalldException("ACCESS_DENIED", "x"), ErrPermissionDenied},
		{"not authorized", dbus.Error{Name: "org.freedesktop.PolicyKit1.Error.NotAuthorized"}, ErrPermissionDenied},
		{"no reply", dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}, ErrBackendUnavailable},
		{"invalid zone", firewalldException("INVALID_ZONE", "nope"), ErrInvalidRule},
		{"invalid port", firewalldException("INVALID_PORT", "0"), ErrInvalidRule},
		{"zone conflict", firewalldException("ZONE_CONFLICT", "10.88.0.0/16"), ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, firewalldError("op", tt.err), tt.kind)
		})
	}

	assert.ErrorIs(t, firewalldError("op", firewalldException("INVALID_POLICY", "p")), errFirewalldInvalid)
	assert.Nil(t, KindOf(firewalldError("op", firewalldException("ALREADY_ENABLED", "s"))))
}

func TestFirewalld_PingFailure(t *testing.T) {
	fw, fake := newTestFirewalld(FirewalldOptions{})
	fake.fail["getDefaultZone"] = dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}
	require.ErrorIs(t, fw.Ping(context.Background()), ErrBackendUnavailable)
}
