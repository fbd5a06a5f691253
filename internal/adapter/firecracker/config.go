package firecracker

import (
	"os"
	"strconv"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "GENOS_FC_KERNEL_PATH"
	envRootfsDir     = "GENOS_FC_ROOTFS_DIR"
	envBin           = "GENOS_FC_BIN"
	envCNIConfigDir  = "GENOS_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "GENOS_FC_CNI_BIN_DIR"
	envVsockPort     = "GENOS_FC_VSOCK_PORT"
	envMaxConcurrent = "GENOS_FC_MAX_CONCURRENT_VMS"
)

// Config holds configuration for the Firecracker microVM runtime.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing per-base-image rootfs files.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the path to the CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	// MaxConcurrentVMs caps how many microVMs run at once.
	MaxConcurrentVMs int
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}

	return cfg
}
