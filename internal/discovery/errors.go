package discovery

import (
	"errors"

	"github.com/t77yq/taskfabric/internal/model"
)

var (
	// ErrScanInProgress is returned when a subnet scan is requested while one is running
	ErrScanInProgress = errors.New("subnet scan already in progress")

	// ErrScanDisabled is returned by ScanOnce when active scanning was not opted into
	ErrScanDisabled = errors.New("subnet scan disabled")

	// ErrNoPublicIP is returned when the public address cannot be determined
	ErrNoPublicIP = errors.New("public IPv4 address unavailable")
)

// PeerUpserter is the registry surface discovery writes to
type PeerUpserter interface {
	Upsert(peer model.PeerNode) bool
}
