package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"grimm.is/portcullis/internal/logging"
)

const (
	firewalldDBusName       = "org.fedoraproject.FirewallD1"
	firewalldDBusPath       = "/org/fedoraproject/FirewallD1"
	firewalldConfigPath     = "/org/fedoraproject/FirewallD1/config"
	firewalldMainInterface  = "org.fedoraproject.FirewallD1"
	firewalldZoneInterface  = "org.fedoraproject.FirewallD1.zone"
	firewalldPolicyIface    = "org.fedoraproject.FirewallD1.policy"
	firewalldConfigIface    = "org.fedoraproject.FirewallD1.config"
	firewalldStrictProperty = firewalldConfigIface + ".StrictForwardPorts"
)

// busObject is the part of dbus.BusObject the firewalld driver uses.
type busObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
}

// FirewalldOptions names the firewalld objects the driver manages.
type FirewalldOptions struct {
	// ForwardZone receives forward ports. Empty means the default zone.
	ForwardZone     string
	LocalhostPolicy string
	Logger          *logging.Logger
}

// FirewalldAdapter drives firewalld over its DBus API.
type FirewalldAdapter struct {
	main   busObject
	config busObject
	opts   FirewalldOptions
	log    *logging.Logger
}

// NewFirewalldAdapter returns a driver using the firewalld objects on conn.
func NewFirewalldAdapter(conn *dbus.Conn, opts FirewalldOptions) *FirewalldAdapter {
	return newFirewalldAdapter(
		conn.Object(firewalldDBusName, firewalldDBusPath),
		conn.Object(firewalldDBusName, firewalldConfigPath),
		opts,
	)
}

func newFirewalldAdapter(main, config busObject, opts FirewalldOptions) *FirewalldAdapter {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &FirewalldAdapter{
		main:   main,
		config: config,
		opts:   opts,
		log:    log.WithComponent("firewall.firewalld"),
	}
}

func (f *FirewalldAdapter) Driver() Driver { return DriverFirewalld }

// Ping checks that firewalld answers on the bus.
func (f *FirewalldAdapter) Ping(ctx context.Context) error {
	_, err := f.defaultZone(ctx)
	return err
}

func (f *FirewalldAdapter) call(ctx context.Context, op, method string, args ...interface{}) *dbus.Call {
	c := f.main.CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		c.Err = firewalldError(op, c.Err)
	}
	return c
}

func (f *FirewalldAdapter) ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (bool, error) {
	err := f.call(ctx, "add source", firewalldZoneInterface+".addSource", zone, subnet.String(), int32(0)).Err
	switch {
	case alreadyEnabled(err):
		return false, nil
	case err != nil:
		return false, err
	}
	f.log.Info("added source to zone", "zone", zone, "subnet", subnet)
	return true, nil
}

func (f *FirewalldAdapter) RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error {
	err := f.call(ctx, "remove source", firewalldZoneInterface+".removeSource", zone, subnet.String()).Err
	if notEnabled(err) {
		return nil
	}
	return err
}

func (f *FirewalldAdapter) ApplyIsolation(ctx context.Context, network Network) error {
	return CapabilitiesFor(DriverFirewalld).Require(FeatureIsolation)
}

func (f *FirewalldAdapter) RemoveIsolation(ctx context.Context, network Network) error {
	return nil
}

func (f *FirewalldAdapter) forwardZone(ctx context.Context) (string, error) {
	if f.opts.ForwardZone != "" {
		return f.opts.ForwardZone, nil
	}
	return f.defaultZone(ctx)
}

func (f *FirewalldAdapter) defaultZone(ctx context.Context) (string, error) {
	var zone string
	if err := f.call(ctx, "get default zone", firewalldMainInterface+".getDefaultZone").Store(&zone); err != nil {
		return "", err
	}
	return zone, nil
}

func forwardPortArgs(zone string, rule PortForwardRule) []interface{} {
	return []interface{}{
		zone,
		strconv.Itoa(int(rule.HostPort)),
		string(rule.Protocol),
		strconv.Itoa(int(rule.ContainerPort)),
		rule.ContainerIP.String(),
	}
}

func (f *FirewalldAdapter) ApplyForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	zone, err := f.forwardZone(ctx)
	if err != nil {
		return err
	}
	args := append(forwardPortArgs(zone, rule), int32(0))
	err = f.call(ctx, "add forward port", firewalldZoneInterface+".addForwardPort", args...).Err
	if alreadyEnabled(err) {
		return nil
	}
	return err
}

func (f *FirewalldAdapter) RemoveForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	zone, err := f.forwardZone(ctx)
	if err != nil {
		return err
	}
	err = f.call(ctx, "remove forward port", firewalldZoneInterface+".removeForwardPort", forwardPortArgs(zone, rule)...).Err
	if notEnabled(err) {
		return nil
	}
	return err
}

// ApplyLocalhostPolicy creates the permanent policy "ingress HOST, egress
// ANY" and reloads firewalld so it becomes active. A policy that exists
// permanently but is not active yet, for example after a failed reload,
// only gets the reload. The reload drops every runtime change, so callers
// must replay their state when created is true.
func (f *FirewalldAdapter) ApplyLocalhostPolicy(ctx context.Context) (bool, error) {
	name := f.opts.LocalhostPolicy
	var active []string
	if err := f.call(ctx, "list active policies", firewalldPolicyIface+".getPolicies").Store(&active); err != nil {
		return false, err
	}
	if slices.Contains(active, name) {
		return false, nil
	}

	var names []string
	if err := f.config.CallWithContext(ctx, firewalldConfigIface+".getPolicyNames", 0).Store(&names); err != nil {
		return false, firewalldError("list policies", err)
	}
	if slices.Contains(names, name) {
		f.log.Info("localhost forwarding policy is not active yet, reloading", "policy", name)
	} else if err := f.addPolicy(ctx, name); err != nil {
		return false, err
	}

	if err := f.call(ctx, "reload", firewalldMainInterface+".reload").Err; err != nil {
		return true, err
	}
	f.log.Info("activated localhost forwarding policy", "policy", name)
	return true, nil
}

func (f *FirewalldAdapter) addPolicy(ctx context.Context, name string) error {
	settings := map[string]dbus.Variant{
		"ingress_zones": dbus.MakeVariant([]string{"HOST"}),
		"egress_zones":  dbus.MakeVariant([]string{"ANY"}),
		"target":        dbus.MakeVariant("CONTINUE"),
		"description":   dbus.MakeVariant("Forward loopback traffic to containers"),
	}
	var path dbus.ObjectPath
	err := f.config.CallWithContext(ctx, firewalldConfigIface+".addPolicy", 0, name, settings).Store(&path)
	if err != nil && !strings.Contains(err.Error(), "NAME_CONFLICT") {
		return firewalldError("add policy", err)
	}
	return nil
}

func richRule(rule PortForwardRule) string {
	return fmt.Sprintf(`rule family="ipv4" destination address="127.0.0.1" forward-port port="%d" protocol="%s" to-port="%d" to-addr="%s"`,
		rule.HostPort, rule.Protocol, rule.ContainerPort, rule.ContainerIP)
}

// richRules returns the rich rules of the localhost policy.
func (f *FirewalldAdapter) richRules(ctx context.Context) ([]string, error) {
	var settings map[string]dbus.Variant
	if err := f.call(ctx, "get policy settings", firewalldPolicyIface+".getPolicySettings", f.opts.LocalhostPolicy).Store(&settings); err != nil {
		return nil, err
	}
	var rules []string
	if v, ok := settings["rich_rules"]; ok {
		if err := v.Store(&rules); err != nil {
			return nil, &Error{Op: "get policy settings", Driver: DriverFirewalld, Kind: ErrBackendUnavailable, Err: err}
		}
	}
	return rules, nil
}

func (f *FirewalldAdapter) setRichRules(ctx context.Context, rules []string) error {
	update := map[string]dbus.Variant{"rich_rules": dbus.MakeVariant(rules)}
	return f.call(ctx, "set policy settings", firewalldPolicyIface+".setPolicySettings", f.opts.LocalhostPolicy, update).Err
}

func (f *FirewalldAdapter) ApplyLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	if rule.Family() != IPv4 {
		return &Error{Op: "apply localhost rule", Driver: DriverFirewalld, Kind: ErrUnsupportedAddressFamily, Err: fmt.Errorf("%s", rule)}
	}
	rules, err := f.richRules(ctx)
	if err != nil {
		return err
	}
	rr := richRule(rule)
	if slices.Contains(rules, rr) {
		return nil
	}
	return f.setRichRules(ctx, append(rules, rr))
}

func (f *FirewalldAdapter) RemoveLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	rules, err := f.richRules(ctx)
	if err != nil {
		if errors.Is(err, errFirewalldInvalid) {
			return nil
		}
		return err
	}
	rr := richRule(rule)
	if !slices.Contains(rules, rr) {
		return nil
	}
	kept := slices.DeleteFunc(slices.Clone(rules), func(s string) bool { return s == rr })
	return f.setRichRules(ctx, kept)
}

// QueryStrictForwardPorts reads StrictForwardPorts from the permanent
// configuration object.
func (f *FirewalldAdapter) QueryStrictForwardPorts(ctx context.Context) (bool, error) {
	return queryStrictForwardPorts(f.config)
}

func queryStrictForwardPorts(obj busObject) (bool, error) {
	v, err := obj.GetProperty(firewalldStrictProperty)
	if err != nil {
		return false, firewalldError("query strict forward ports", err)
	}
	switch val := v.Value().(type) {
	case bool:
		return val, nil
	case string:
		return strings.EqualFold(val, "yes") || strings.EqualFold(val, "true"), nil
	}
	return false, nil
}

// StrictCheck reports whether the host enforces strict forward ports.
type StrictCheck func(ctx context.Context) (bool, error)

// FirewalldStrictCheck reads StrictForwardPorts from firewalld on conn. A
// host without firewalld is not strict.
func FirewalldStrictCheck(conn *dbus.Conn) StrictCheck {
	if conn == nil {
		return noStrictCheck
	}
	return strictCheckFor(conn.Object(firewalldDBusName, firewalldConfigPath))
}

func strictCheckFor(obj busObject) StrictCheck {
	return func(ctx context.Context) (bool, error) {
		strict, err := queryStrictForwardPorts(obj)
		if err != nil && firewalldAbsent(err) {
			return false, nil
		}
		return strict, err
	}
}

func noStrictCheck(context.Context) (bool, error) { return false, nil }

// firewalldAbsent reports whether err means nothing owns the firewalld name.
func firewalldAbsent(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown" ||
			dbusErr.Name == "org.freedesktop.DBus.Error.NameHasNoOwner"
	}
	return false
}

// errFirewalldInvalid marks lookups of zones or policies that do not exist.
var errFirewalldInvalid = errors.New("firewalld: no such object")

// firewalldError maps a DBus error onto the package error kinds. firewalld
// reports idempotency conditions as exceptions whose message starts with a
// code such as ALREADY_ENABLED.
func firewalldError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		msg = dbusErr.Name + ": " + msg
	}
	kind := ErrBackendUnavailable
	switch {
	case strings.Contains(msg, "ALREADY_ENABLED"), strings.Contains(msg, "NOT_ENABLED"):
		kind = nil
	case strings.Contains(msg, "ACCESS_DENIED"), strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "NotAuthorized"):
		kind = ErrPermissionDenied
	case strings.Contains(msg, "INVALID_ZONE"), strings.Contains(msg, "INVALID_POLICY"):
		kind = ErrInvalidRule
		err = fmt.Errorf("%w: %v", errFirewalldInvalid, err)
	case strings.Contains(msg, "INVALID_"), strings.Contains(msg, "_CONFLICT"):
		// The request reached firewalld and was refused: bad port or
		// address, or a source already bound to another zone.
		kind = ErrInvalidRule
	}
	return &Error{Op: op, Driver: DriverFirewalld, Kind: kind, Err: err}
}

func alreadyEnabled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ALREADY_ENABLED")
}

func notEnabled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOT_ENABLED")
}
