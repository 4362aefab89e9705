package firewall

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"grimm.is/portcullis/internal/logging"
)

const firewalldReloadedSignal = firewalldMainInterface + ".Reloaded"

// signalConn is the part of *dbus.Conn used to receive signals.
type signalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// WatchReloads calls fn every time firewalld reports it reloaded, until ctx
// is done. Errors from fn are logged and do not stop the watch.
func WatchReloads(ctx context.Context, conn signalConn, log *logging.Logger, fn func(ctx context.Context) error) error {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("firewall.watch")

	match := []dbus.MatchOption{
		dbus.WithMatchInterface(firewalldMainInterface),
		dbus.WithMatchMember("Reloaded"),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return &Error{Op: "watch reloads", Driver: DriverFirewalld, Kind: ErrBackendUnavailable, Err: err}
	}
	defer conn.RemoveMatchSignal(match...)

	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	log.Info("watching for firewalld reloads")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return &Error{Op: "watch reloads", Driver: DriverFirewalld, Kind: ErrBackendUnavailable, Err: fmt.Errorf("bus connection closed")}
			}
			if sig.Name != firewalldReloadedSignal {
				continue
			}
			log.Info("firewalld reloaded, replaying state")
			if err := fn(ctx); err != nil {
				log.Warn("replay after firewalld reload failed", "error", err)
			}
		}
	}
}
