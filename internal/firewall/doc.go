// Package firewall keeps container networks reachable and forwards host
// ports into containers on top of the host firewall.
//
// # Overview
//
// Three drivers are supported: iptables, nftables and the firewalld DBus
// API. Each implements [Adapter]; callers work with the managers above it
// and never see backend specifics beyond the [Capabilities] of the driver.
//
// # Architecture
//
//	Coordinator → TrustManager  → Adapter → iptables | nftables | firewalld
//	            → ForwardManager ↗
//
// # Key Types
//
//   - [Coordinator]: sequences network and forward setup, unwinding on failure
//   - [TrustManager]: refcounted trusted-zone membership per subnet
//   - [ForwardManager]: port forward lifecycle, one owner per host binding
//   - [Adapter]: one backend's native operations, all idempotent
//
// # Localhost Policy
//
// Loopback-scoped forwards need a host-wide policy created once per
// process. On firewalld creating it reloads the daemon, which drops every
// runtime change, so the coordinator replays its state afterwards. The
// policy is never removed by teardown.
//
// # Errors
//
// Every failure matches one error kind ([ErrConflict],
// [ErrBackendUnavailable], ...) with errors.Is. A setup whose unwind also
// failed returns a [*RollbackError] listing the manual cleanup needed.
//
// # Example
//
//	b, _ := firewall.OpenBackend(ctx, opts)
//	c, _ := firewall.NewCoordinator(b.Adapter, firewall.Options{Store: store})
//	handles, err := c.Setup(ctx, firewall.SetupRequest{Network: n, Attachment: att, Rules: rules})
package firewall
