package libvirt

import (
	"fmt"
	"log/slog"

	lv "libvirt.org/go/libvirt"

	"github.com/willynikes2/GenOS/internal/model"
)

// networkDef describes one libvirt network this adapter manages.
type networkDef struct {
	bridge  string
	subnet  string // gateway address, /24 assumed
	nat     bool
	dhcpLo  string
	dhcpHi  string
	gateway string
}

// networkDefs maps network names to their definitions. Filtered and open
// environments share the NAT network; in-guest rules narrow filtered traffic.
// Isolated environments land on a host-only network with no forward element.
func networkDefs(cfg Config) map[string]networkDef {
	return map[string]networkDef{
		cfg.Network: {
			bridge:  "genoslv0",
			nat:     true,
			gateway: "10.171.1.1",
			dhcpLo:  "10.171.1.10",
			dhcpHi:  "10.171.1.250",
		},
		cfg.IsolatedNetwork: {
			bridge:  "genoslv1",
			nat:     false,
			gateway: "10.171.2.1",
			dhcpLo:  "10.171.2.10",
			dhcpHi:  "10.171.2.250",
		},
	}
}

// generateNetworkXML renders the libvirt network definition.
func generateNetworkXML(name string, def networkDef) string {
	forward := ""
	if def.nat {
		forward = "\n  <forward mode='nat'/>"
	}
	return fmt.Sprintf(`<network>
  <name>%s</name>%s
  <bridge name='%s' stp='on' delay='0'/>
  <ip address='%s' netmask='255.255.255.0'>
    <dhcp>
      <range start='%s' end='%s'/>
    </dhcp>
  </ip>
</network>
`, name, forward, def.bridge, def.gateway, def.dhcpLo, def.dhcpHi)
}

// networkForMode picks which libvirt network a mode's VMs join.
func (a *Adapters) networkForMode(mode string) string {
	if mode == model.NetworkIsolated {
		return a.cfg.IsolatedNetwork
	}
	return a.cfg.Network
}

// ensureNetworks defines and starts the adapter's networks on the hypervisor.
// Existing networks are reused; inactive ones are started.
func ensureNetworks(conn *lv.Connect, cfg Config, logger *slog.Logger) error {
	for name, def := range networkDefs(cfg) {
		if err := ensureNetwork(conn, name, generateNetworkXML(name, def), logger); err != nil {
			return fmt.Errorf("ensure network %s: %w", name, err)
		}
	}
	return nil
}

func ensureNetwork(conn *lv.Connect, name, xmlDef string, logger *slog.Logger) error {
	network, err := conn.LookupNetworkByName(name)
	if err != nil {
		network, err = conn.NetworkDefineXML(xmlDef)
		if err != nil {
			return fmt.Errorf("define network: %w", err)
		}
		logger.Info("defined libvirt network", "network", name)
	}
	defer network.Free()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("query network active: %w", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("start network: %w", err)
		}
		logger.Info("started libvirt network", "network", name)
	}

	if err := network.SetAutostart(true); err != nil {
		logger.Warn("unable to set network autostart", "network", name, "error", err)
	}
	return nil
}
