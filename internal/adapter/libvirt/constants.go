package libvirt

import "time"

// VariantName is the name used when registering with the adapter registry.
const VariantName = "libvirt"

const (
	// DefaultConnectURI is the libvirt connection used when none is configured.
	DefaultConnectURI = "qemu:///system"

	// DefaultNetwork is the NAT network for filtered and open environments.
	DefaultNetwork = "genos-net"

	// DefaultIsolatedNetwork is the host-only network for isolated environments.
	DefaultIsolatedNetwork = "genos-isolated-net"

	// SessionBinaryPath is the session manager inside guest images. It reads
	// the seed disk manifest and brings up the desktop with the requested
	// applications.
	SessionBinaryPath = "/usr/local/bin/genos-session"

	// SeedMountPath is where the launch script mounts the seed disk.
	SeedMountPath = "/run/genos/seed"

	// ManifestFilename is the manifest file on the seed disk.
	ManifestFilename = "manifest.json"
)

const (
	// agentPollInterval is how often the guest agent is probed during boot.
	agentPollInterval = 5 * time.Second

	// agentPollRetries bounds the wait for the guest agent to come up.
	agentPollRetries = 24

	// guestCommandTimeout bounds a single guest-exec invocation.
	guestCommandTimeout = 2 * time.Minute

	// handlePrefix and domainPrefix derive a VM's runtime handle and libvirt
	// domain name from its environment ID. The scheme lets the adapter reach
	// domains whose in-memory tracking was lost to a restart.
	handlePrefix = "lv-"
	domainPrefix = "genos-"
)

// ImageFilename is the format string for base image filenames
// (e.g. "windows-11.qcow2").
const ImageFilename = "%s.qcow2"
