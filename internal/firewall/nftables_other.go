//go:build !linux

package firewall

import (
	"fmt"

	"grimm.is/portcullis/internal/logging"
)

// NFTablesOptions configures the nftables driver.
type NFTablesOptions struct {
	Strict StrictCheck
	Logger *logging.Logger
}

// NFTablesAdapter is only available on Linux.
type NFTablesAdapter struct{ Adapter }

// NewNFTablesAdapter always fails outside Linux.
func NewNFTablesAdapter(opts NFTablesOptions) (*NFTablesAdapter, error) {
	return nil, &Error{Op: "open nftables", Driver: DriverNFTables, Kind: ErrBackendUnavailable, Err: fmt.Errorf("nftables requires linux")}
}
