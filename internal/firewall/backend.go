package firewall

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"grimm.is/portcullis/internal/config"
	"grimm.is/portcullis/internal/logging"
)

// BackendOptions selects and configures the host firewall driver.
type BackendOptions struct {
	Driver          Driver
	Timeout         time.Duration
	ForwardZone     string
	LocalhostPolicy string
	IPv6            bool
	Logger          *logging.Logger
}

// BackendOptionsFromConfig maps the configuration file onto BackendOptions.
func BackendOptionsFromConfig(cfg *config.Config, log *logging.Logger) (BackendOptions, error) {
	d, err := ParseDriver(cfg.FirewallDriver)
	if err != nil {
		return BackendOptions{}, err
	}
	return BackendOptions{
		Driver:          d,
		Timeout:         cfg.Timeout(),
		ForwardZone:     cfg.ForwardZone,
		LocalhostPolicy: cfg.LocalhostPolicy,
		IPv6:            cfg.IPv6,
		Logger:          log,
	}, nil
}

// Backend is an opened driver plus the system bus connection it uses. Bus
// is nil when the driver runs without DBus.
type Backend struct {
	Adapter Adapter
	Bus     *dbus.Conn
}

// Close releases the bus connection.
func (b *Backend) Close() error {
	if b.Bus == nil {
		return nil
	}
	return b.Bus.Close()
}

// OpenBackend opens the driver named in opts and wraps it so no call blocks
// longer than opts.Timeout. iptables and nftables use the system bus only
// to read firewalld's StrictForwardPorts and work without it.
func OpenBackend(ctx context.Context, opts BackendOptions) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultBackendTimeout
	}

	bus, busErr := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if busErr != nil {
		bus = nil
	}

	var (
		a   Adapter
		err error
	)
	switch opts.Driver {
	case DriverIPTables:
		a, err = NewIPTablesAdapter(IPTablesOptions{IPv6: opts.IPv6, Strict: FirewalldStrictCheck(bus), Logger: log})
	case DriverNFTables:
		a, err = NewNFTablesAdapter(NFTablesOptions{Strict: FirewalldStrictCheck(bus), Logger: log})
	case DriverFirewalld:
		if bus == nil {
			return nil, &Error{Op: "open firewalld", Driver: DriverFirewalld, Kind: ErrBackendUnavailable,
				Err: fmt.Errorf("failed to connect to system bus: %w", busErr)}
		}
		fw := NewFirewalldAdapter(bus, FirewalldOptions{
			ForwardZone:     opts.ForwardZone,
			LocalhostPolicy: opts.LocalhostPolicy,
			Logger:          log,
		})
		_, err = bounded(ctx, DriverFirewalld, "ping firewalld", opts.Timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fw.Ping(ctx)
		})
		a = fw
	default:
		_, err = ParseDriver(opts.Driver.String())
	}
	if err != nil {
		if bus != nil {
			bus.Close()
		}
		return nil, translate(opts.Driver, "open backend", err)
	}

	if busErr != nil {
		log.Debug("system bus unavailable, strict forward ports treated as off", "error", busErr)
	}
	return &Backend{Adapter: Guard(a, opts.Timeout), Bus: bus}, nil
}
