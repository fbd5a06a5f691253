package firecracker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/willynikes2/GenOS/internal/model"
)

func TestGenerateConfListIsolated(t *testing.T) {
	data, err := generateConfList(model.NetworkIsolated)
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}

	if parsed.CNIVersion != CNIVersion {
		t.Errorf("cniVersion = %q, want %q", parsed.CNIVersion, CNIVersion)
	}
	if parsed.Name != "genos-isolated" {
		t.Errorf("name = %q, want genos-isolated", parsed.Name)
	}
	// Isolated mode: bridge + tc-redirect-tap only, no firewall.
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}

	bridge := parsed.Plugins[0]
	if bridge["type"] != "bridge" {
		t.Errorf("plugin[0].type = %q, want bridge", bridge["type"])
	}
	if bridge["isGateway"] != false {
		t.Error("isolated bridge should not be a gateway")
	}
	if bridge["ipMasq"] != false {
		t.Error("isolated bridge should not masquerade")
	}

	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok {
		t.Fatal("plugin[0].ipam is not a map")
	}
	if _, hasGateway := ipam["gateway"]; hasGateway {
		t.Error("isolated ipam should not set a gateway")
	}

	if parsed.Plugins[1]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[1].type = %q, want tc-redirect-tap", parsed.Plugins[1]["type"])
	}
}

func TestGenerateConfListFiltered(t *testing.T) {
	data, err := generateConfList(model.NetworkFiltered)
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}

	if parsed.Name != "genos-filtered" {
		t.Errorf("name = %q, want genos-filtered", parsed.Name)
	}
	// Filtered mode: bridge + firewall + tc-redirect-tap.
	if len(parsed.Plugins) != 3 {
		t.Fatalf("plugins count = %d, want 3", len(parsed.Plugins))
	}

	bridge := parsed.Plugins[0]
	if bridge["isGateway"] != true {
		t.Error("filtered bridge should be a gateway")
	}
	if bridge["ipMasq"] != true {
		t.Error("filtered bridge should masquerade")
	}

	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok {
		t.Fatal("plugin[0].ipam is not a map")
	}
	if ipam["gateway"] != "10.170.2.1" {
		t.Errorf("ipam.gateway = %q, want 10.170.2.1", ipam["gateway"])
	}

	if parsed.Plugins[1]["type"] != "firewall" {
		t.Errorf("plugin[1].type = %q, want firewall", parsed.Plugins[1]["type"])
	}
	if parsed.Plugins[2]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[2].type = %q, want tc-redirect-tap", parsed.Plugins[2]["type"])
	}
}

func TestGenerateConfListOpen(t *testing.T) {
	data, err := generateConfList(model.NetworkOpen)
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}

	if parsed.Name != "genos-open" {
		t.Errorf("name = %q, want genos-open", parsed.Name)
	}
	// Open mode: bridge + tc-redirect-tap, no firewall plugin.
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}

	bridge := parsed.Plugins[0]
	if bridge["ipMasq"] != true {
		t.Error("open bridge should masquerade")
	}
	if bridge["isGateway"] != true {
		t.Error("open bridge should be a gateway")
	}
}

func TestGenerateConfListUnknownMode(t *testing.T) {
	if _, err := generateConfList("airgapped"); err == nil {
		t.Fatal("expected error for unknown network mode")
	}
}

func TestModeSubnetsDisjoint(t *testing.T) {
	seen := make(map[string]string)
	for mode, mc := range netModes {
		if prev, dup := seen[mc.subnet]; dup {
			t.Errorf("modes %s and %s share subnet %s", prev, mode, mc.subnet)
		}
		seen[mc.subnet] = mode

		if _, _, err := net.ParseCIDR(mc.subnet); err != nil {
			t.Errorf("mode %s has invalid subnet %q: %v", mode, mc.subnet, err)
		}
	}
}

func TestVerifyPluginsPresent(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range requiredCNIPlugins {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, []byte("fake"), 0o755); err != nil {
			t.Fatalf("create fake plugin %s: %v", name, err)
		}
	}

	nm := &NetworkManager{cniBinDir: tmpDir}
	if err := nm.Verify(); err != nil {
		t.Errorf("Verify with all plugins present: %v", err)
	}
}

func TestVerifyPluginsMissing(t *testing.T) {
	tmpDir := t.TempDir()

	// Create only the bridge plugin, omit the others.
	if err := os.WriteFile(filepath.Join(tmpDir, "bridge"), []byte("fake"), 0o755); err != nil {
		t.Fatalf("create bridge: %v", err)
	}

	nm := &NetworkManager{cniBinDir: tmpDir}
	err := nm.Verify()
	if err == nil {
		t.Fatal("expected error when plugins are missing")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "host-local") {
		t.Errorf("error should mention 'host-local': %s", errStr)
	}
	if !strings.Contains(errStr, "tc-redirect-tap") {
		t.Errorf("error should mention 'tc-redirect-tap': %s", errStr)
	}
}

func TestWriteConfLists(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "cni-conf")

	nm := &NetworkManager{
		cniConfigDir: configDir,
		confBytes:    make(map[string][]byte),
		logger:       testLogger(),
	}
	for mode := range netModes {
		raw, err := generateConfList(mode)
		if err != nil {
			t.Fatalf("generateConfList(%s): %v", mode, err)
		}
		nm.confBytes[mode] = raw
	}

	if err := nm.WriteConfLists(); err != nil {
		t.Fatalf("WriteConfLists: %v", err)
	}

	// One conflist per mode, each valid JSON with the mode's network name.
	for mode, mc := range netModes {
		confPath := filepath.Join(configDir, mc.network+".conflist")
		data, err := os.ReadFile(confPath)
		if err != nil {
			t.Fatalf("read conflist for %s: %v", mode, err)
		}

		var parsed confListJSON
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("unmarshal conflist for %s: %v", mode, err)
		}
		if parsed.Name != mc.network {
			t.Errorf("name = %q, want %q", parsed.Name, mc.network)
		}
	}

	// Writing again should overwrite without error.
	if err := nm.WriteConfLists(); err != nil {
		t.Fatalf("second WriteConfLists: %v", err)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	nm := &NetworkManager{
		namespaces: make(map[string]activeNS),
		logger:     testLogger(),
	}

	// Teardown for an environment that was never set up should be a no-op.
	if err := nm.Teardown(t.Context(), "env-nonexistent"); err != nil {
		t.Errorf("Teardown of unknown environment should return nil, got: %v", err)
	}
}

func TestDeleteNetNSIdempotent(t *testing.T) {
	// Deleting a namespace that doesn't exist should be a no-op.
	if err := deleteNetNS("genos-nonexistent-test-ns"); err != nil {
		t.Errorf("deleteNetNS of nonexistent namespace should return nil, got: %v", err)
	}
}

func TestRequiredCNIPlugins(t *testing.T) {
	expected := map[string]bool{
		"bridge":          false,
		"host-local":      false,
		"firewall":        false,
		"tc-redirect-tap": false,
	}

	for _, p := range requiredCNIPlugins {
		if _, ok := expected[p]; ok {
			expected[p] = true
		} else {
			t.Errorf("unexpected plugin in requiredCNIPlugins: %q", p)
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("missing expected plugin: %q", name)
		}
	}
}

func TestParseResultPrefersTAPOverVeth(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: "eth0", Mac: "02:aa:bb:cc:dd:01", Sandbox: "/var/run/netns/genos-env-1"},
			{Name: "tap0", Mac: "02:aa:bb:cc:dd:02", Sandbox: "/var/run/netns/genos-env-1"},
		},
		IPs: []*types100.IPConfig{
			{
				Address: mustParseCIDR("10.170.2.5/24"),
				Gateway: net.ParseIP("10.170.2.1"),
			},
		},
	}

	cfg, err := parseResult(result, "/var/run/netns/genos-env-1", model.NetworkFiltered)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}

	if cfg.TAPDevice != "tap0" {
		t.Errorf("TAPDevice = %q, want tap0", cfg.TAPDevice)
	}
	if cfg.MACAddress != "02:aa:bb:cc:dd:02" {
		t.Errorf("MACAddress = %q, want the TAP's MAC", cfg.MACAddress)
	}
	if cfg.GuestIP != "10.170.2.5/24" {
		t.Errorf("GuestIP = %q, want 10.170.2.5/24", cfg.GuestIP)
	}
	if cfg.GatewayIP != "10.170.2.1" {
		t.Errorf("GatewayIP = %q, want 10.170.2.1", cfg.GatewayIP)
	}
	if cfg.Mode != model.NetworkFiltered {
		t.Errorf("Mode = %q, want %q", cfg.Mode, model.NetworkFiltered)
	}
}

func TestParseResultFallsBackToSandboxInterface(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: "eth0", Mac: "02:aa:bb:cc:dd:01", Sandbox: "/var/run/netns/genos-env-2"},
		},
		IPs: []*types100.IPConfig{
			{Address: mustParseCIDR("10.170.1.7/24")},
		},
	}

	cfg, err := parseResult(result, "/var/run/netns/genos-env-2", model.NetworkIsolated)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}

	if cfg.TAPDevice != "eth0" {
		t.Errorf("TAPDevice = %q, want eth0", cfg.TAPDevice)
	}
	if cfg.GatewayIP != "" {
		t.Errorf("GatewayIP = %q, want empty for isolated", cfg.GatewayIP)
	}
}

func TestParseResultNoSandboxInterface(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: "veth123", Mac: "02:aa:bb:cc:dd:03", Sandbox: ""}, // Host-side veth.
		},
		IPs: []*types100.IPConfig{
			{Address: mustParseCIDR("10.170.3.4/24")},
		},
	}

	_, err := parseResult(result, "/var/run/netns/genos-env-3", model.NetworkOpen)
	if err == nil {
		t.Fatal("expected error for result with no TAP device")
	}
	if !strings.Contains(err.Error(), "no TAP device") {
		t.Errorf("error = %q, want to contain 'no TAP device'", err.Error())
	}
}

func TestParseResultNoIPs(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: "tap0", Mac: "02:aa:bb:cc:dd:04", Sandbox: "/var/run/netns/genos-env-4"},
		},
		IPs: []*types100.IPConfig{},
	}

	_, err := parseResult(result, "/var/run/netns/genos-env-4", model.NetworkOpen)
	if err == nil {
		t.Fatal("expected error for result with no IPs")
	}
	if !strings.Contains(err.Error(), "no IP address") {
		t.Errorf("error = %q, want to contain 'no IP address'", err.Error())
	}
}

func TestEnsureIPForwardingPath(t *testing.T) {
	if ipForwardPath != "/proc/sys/net/ipv4/ip_forward" {
		t.Errorf("ipForwardPath = %q, want /proc/sys/net/ipv4/ip_forward", ipForwardPath)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParseCIDR(s string) net.IPNet {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	// Preserve the host IP (ParseCIDR normalizes to network address).
	ipNet.IP = ip
	return *ipNet
}
