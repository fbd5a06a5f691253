package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/willynikes2/GenOS/internal/model"
)

// CNI settings shared by all network modes.
const (
	// CNIVersion is the CNI spec version used in conflists.
	CNIVersion = "1.0.0"

	// CNIIfName is the interface name inside the network namespace.
	CNIIfName = "eth0"

	// CNICacheDir is the directory for CNI result caching.
	CNICacheDir = "/var/lib/cni/cache"

	// NetNSRunDir is the directory for network namespaces.
	NetNSRunDir = "/var/run/netns"

	// NetNSPrefix is the prefix for per-environment namespace names.
	NetNSPrefix = "genos-"
)

// netModeConf describes how one network mode maps onto a CNI bridge network.
type netModeConf struct {
	network  string
	bridge   string
	subnet   string
	gateway  string
	masq     bool
	firewall bool
}

// Each network mode gets its own bridge and subnet. Isolated environments
// have no NAT and no gateway, filtered ones get NAT behind the firewall
// plugin, open ones get plain NAT.
var netModes = map[string]netModeConf{
	model.NetworkIsolated: {
		network: "genos-isolated",
		bridge:  "genosbr-iso",
		subnet:  "10.170.1.0/24",
	},
	model.NetworkFiltered: {
		network:  "genos-filtered",
		bridge:   "genosbr-flt",
		subnet:   "10.170.2.0/24",
		gateway:  "10.170.2.1",
		masq:     true,
		firewall: true,
	},
	model.NetworkOpen: {
		network: "genos-open",
		bridge:  "genosbr-opn",
		subnet:  "10.170.3.0/24",
		gateway: "10.170.3.1",
		masq:    true,
	},
}

// requiredCNIPlugins must exist in the CNI bin directory.
var requiredCNIPlugins = []string{"bridge", "host-local", "firewall", "tc-redirect-tap"}

// ipForwardPath is the sysctl path to enable IPv4 forwarding.
const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig holds the result of CNI setup for one microVM.
type NetworkConfig struct {
	// TAPDevice is the TAP interface created by tc-redirect-tap.
	TAPDevice string

	// GuestIP is the address assigned to the guest (CIDR notation).
	GuestIP string

	// GatewayIP is the gateway address for the guest, empty when isolated.
	GatewayIP string

	// MACAddress is the MAC of the guest interface.
	MACAddress string

	// NamespacePath is the full path to the network namespace.
	NamespacePath string

	// Mode is the network mode the namespace was configured for.
	Mode string
}

type activeNS struct {
	nsPath string
	mode   string
}

// NetworkManager handles CNI-based networking for environment microVMs,
// one bridge network per isolation mode.
type NetworkManager struct {
	cniBinDir    string
	cniConfigDir string
	cniConfig    *libcni.CNIConfig
	confLists    map[string]*libcni.NetworkConfigList
	confBytes    map[string][]byte
	logger       *slog.Logger

	mu         sync.Mutex
	namespaces map[string]activeNS
}

// NewNetworkManager creates a NetworkManager with conflists for every
// network mode.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	cniConfig := libcni.NewCNIConfigWithCacheDir(
		[]string{cfg.CNIBinDir},
		CNICacheDir,
		nil,
	)

	confLists := make(map[string]*libcni.NetworkConfigList, len(netModes))
	confBytes := make(map[string][]byte, len(netModes))
	for mode := range netModes {
		raw, err := generateConfList(mode)
		if err != nil {
			return nil, fmt.Errorf("generate conflist for %s: %w", mode, err)
		}
		list, err := libcni.ConfListFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse conflist for %s: %w", mode, err)
		}
		confLists[mode] = list
		confBytes[mode] = raw
	}

	return &NetworkManager{
		cniBinDir:    cfg.CNIBinDir,
		cniConfigDir: cfg.CNIConfigDir,
		cniConfig:    cniConfig,
		confLists:    confLists,
		confBytes:    confBytes,
		logger:       logger,
		namespaces:   make(map[string]activeNS),
	}, nil
}

// Setup creates a namespace on the bridge for the given mode and wires the
// TAP device for a microVM.
func (nm *NetworkManager) Setup(ctx context.Context, envID, mode string) (*NetworkConfig, error) {
	confList, ok := nm.confLists[mode]
	if !ok {
		return nil, fmt.Errorf("unknown network mode %q", mode)
	}

	nsName := NetNSPrefix + envID
	nsPath := filepath.Join(NetNSRunDir, nsName)
	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.namespaces[envID] = activeNS{nsPath: nsPath, mode: mode}
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{
		ContainerID: envID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	result, err := nm.cniConfig.AddNetworkList(ctx, confList, rtConf)
	if err != nil {
		nm.abandonNamespace(envID, nsName)
		return nil, fmt.Errorf("CNI ADD for %s: %w", envID, err)
	}

	netCfg, err := parseResult(result, nsPath, mode)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, confList, rtConf); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "env_id", envID, "error", delErr)
		}
		nm.abandonNamespace(envID, nsName)
		return nil, fmt.Errorf("parse CNI result for %s: %w", envID, err)
	}

	nm.logger.Info("network setup complete",
		"env_id", envID,
		"mode", mode,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

// abandonNamespace drops tracking for envID and best-effort deletes its netns.
func (nm *NetworkManager) abandonNamespace(envID, nsName string) {
	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup after setup failure", "env_id", envID, "error", err)
	}
	nm.mu.Lock()
	delete(nm.namespaces, envID)
	nm.mu.Unlock()
}

// Teardown removes networking for an environment. Safe to call repeatedly.
func (nm *NetworkManager) Teardown(ctx context.Context, envID string) error {
	nm.mu.Lock()
	ns, exists := nm.namespaces[envID]
	if !exists {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.namespaces, envID)
	nm.mu.Unlock()

	nsName := NetNSPrefix + envID
	rtConf := &libcni.RuntimeConf{
		ContainerID: envID,
		NetNS:       ns.nsPath,
		IfName:      CNIIfName,
	}

	var firstErr error
	if confList, ok := nm.confLists[ns.mode]; ok {
		if err := nm.cniConfig.DelNetworkList(ctx, confList, rtConf); err != nil {
			firstErr = fmt.Errorf("CNI DEL for %s: %w", envID, err)
			nm.logger.Warn("CNI DEL failed", "env_id", envID, "error", err)
		}
	}

	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup failed", "env_id", envID, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", envID, err)
		}
	}
	return firstErr
}

// TeardownAll cleans up every tracked namespace. Used during shutdown.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("teardown failed during shutdown", "env_id", id, "error", err)
		}
	}
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, plugin)
		} else {
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfLists writes every mode's conflist to the config directory.
func (nm *NetworkManager) WriteConfLists() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}

	for mode, raw := range nm.confBytes {
		confPath := filepath.Join(nm.cniConfigDir, netModes[mode].network+".conflist")
		if err := os.WriteFile(confPath, raw, 0o644); err != nil {
			return fmt.Errorf("write conflist for %s: %w", mode, err)
		}
	}
	return nil
}

// confListJSON is the structure for generating conflist documents.
type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList builds the conflist JSON for one network mode.
func generateConfList(mode string) ([]byte, error) {
	mc, ok := netModes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown network mode %q", mode)
	}

	ipam := map[string]any{
		"type":   "host-local",
		"subnet": mc.subnet,
	}
	if mc.gateway != "" {
		ipam["gateway"] = mc.gateway
	}

	bridge := map[string]any{
		"type":      "bridge",
		"bridge":    mc.bridge,
		"isGateway": mc.gateway != "",
		"ipMasq":    mc.masq,
		"ipam":      ipam,
	}

	plugins := []map[string]any{bridge}
	if mc.firewall {
		plugins = append(plugins, map[string]any{"type": "firewall"})
	}
	plugins = append(plugins, map[string]any{"type": "tc-redirect-tap"})

	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       mc.network,
		Plugins:    plugins,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts NetworkConfig from a CNI ADD result. tc-redirect-tap
// creates the TAP interface in the namespace alongside the veth (eth0); the
// TAP is the one Firecracker needs.
func parseResult(result types.Result, nsPath, mode string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath, Mode: mode}
	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != CNIIfName {
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
			break
		}
	}
	if netCfg.TAPDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				netCfg.TAPDevice = iface.Name
				netCfg.MACAddress = iface.Mac
				break
			}
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) > 0 {
		netCfg.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			netCfg.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if netCfg.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	return netCfg, nil
}

// createNetNS creates a named network namespace using ip netns add.
func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// deleteNetNS removes a named network namespace. Missing namespaces are not
// an error.
func deleteNetNS(name string) error {
	nsPath := filepath.Join(NetNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding on the host, required for
// outbound NAT from the filtered and open bridges. Idempotent.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
