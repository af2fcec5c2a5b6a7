package driver

import "github.com/Deniz-Eren/dev-can-linux/boards"

// NullPlatform is the PCIPlatform stand-in used when no real PCI bus
// enumeration collaborator is available (spec.md §1/§9): it reports no
// attached devices, so a Driver built against it only ever has controllers
// from ProbeVirtual. Real deployments substitute a platform-specific
// PCIPlatform implementation wrapping the host's bus-walk and BAR-mapping
// primitives; wiring one in is out of this module's scope.
type NullPlatform struct{}

// Enumerate always reports no attached devices.
func (NullPlatform) Enumerate(forced *boards.PCIID) ([]AttachedDevice, error) {
	return nil, nil
}
