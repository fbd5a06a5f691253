package libvirt

import "os"

// Environment variable names for libvirt configuration.
const (
	envConnectURI      = "GENOS_LV_CONNECT_URI"
	envImageDir        = "GENOS_LV_IMAGE_DIR"
	envBaseDir         = "GENOS_LV_BASE_DIR"
	envNetwork         = "GENOS_LV_NETWORK"
	envIsolatedNetwork = "GENOS_LV_ISOLATED_NETWORK"
)

// Config holds configuration for the libvirt full-VM runtime.
type Config struct {
	// ConnectURI is the libvirt connection URI.
	ConnectURI string

	// ImageDir is the directory containing per-base-image qcow2 files.
	ImageDir string

	// BaseDir is the directory for per-environment run directories.
	BaseDir string

	// Network is the NAT network name for filtered and open environments.
	Network string

	// IsolatedNetwork is the host-only network name for isolated environments.
	IsolatedNetwork string
}

// LoadConfig reads libvirt configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		ConnectURI:      DefaultConnectURI,
		Network:         DefaultNetwork,
		IsolatedNetwork: DefaultIsolatedNetwork,
	}

	if v := os.Getenv(envConnectURI); v != "" {
		cfg.ConnectURI = v
	}
	if v := os.Getenv(envImageDir); v != "" {
		cfg.ImageDir = v
	}
	if v := os.Getenv(envBaseDir); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv(envNetwork); v != "" {
		cfg.Network = v
	}
	if v := os.Getenv(envIsolatedNetwork); v != "" {
		cfg.IsolatedNetwork = v
	}

	return cfg
}
