package firecracker

import (
	"fmt"
	"path/filepath"
	"time"
)

// VariantName is the name used when registering with the adapter registry.
const VariantName = "firecracker"

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// GuestAgentPath is the path to the guest agent binary inside the rootfs.
const GuestAgentPath = "/usr/local/bin/genos-guest"

// DefaultBootArgs are the kernel boot arguments for environment microVMs.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

const (
	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the environment ID for the VMM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 5 * time.Second
)

// RootfsFilename is the format string for base image filenames
// (e.g. "ubuntu-22.04.ext4").
const RootfsFilename = "%s.ext4"

// MaxConcurrentVMs is the default cap on concurrently running microVMs.
const MaxConcurrentVMs = 32

// RootfsPath returns the full path to the rootfs image for a base image.
func RootfsPath(rootfsDir, baseImage string) string {
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, baseImage))
}
