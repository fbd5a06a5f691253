package libvirt

import (
	"bytes"
	"crypto/sha1"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed domain.xml
var domainTemplate string

// domainData feeds the domain XML template.
type domainData struct {
	Name        string
	VCPUs       int
	MemoryMB    int
	OverlayPath string
	SeedPath    string
	MACAddress  string
	Network     string
	VideoModel  string
	GPU         bool
}

// renderDomainXML produces the libvirt domain definition for one VM.
func renderDomainXML(data domainData) ([]byte, error) {
	if data.Name == "" {
		return nil, errors.New("domain name is required")
	}
	if data.OverlayPath == "" {
		return nil, errors.New("overlay path is required")
	}

	tmpl, err := template.New("domain").Parse(domainTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

// generateMAC derives a stable MAC for an environment. The 52:54:00 prefix is
// the QEMU OUI with the locally administered bit set.
func generateMAC(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// videoModelFor picks the video device: virtio with 3D acceleration for GPU
// environments, plain VGA otherwise.
func videoModelFor(gpu bool) string {
	if gpu {
		return "virtio"
	}
	return "vga"
}

// createDiskOverlay creates a qcow2 overlay backed by the base image, so the
// base stays pristine and the VM's writes land in the per-environment file.
func createDiskOverlay(baseImagePath, overlayPath string) error {
	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}

	overlayAbs, err := filepath.Abs(overlayPath)
	if err != nil {
		return fmt.Errorf("resolve overlay path %q: %w", overlayPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(overlayAbs), 0o755); err != nil {
		return fmt.Errorf("create overlay directory: %w", err)
	}
	if err := os.Remove(overlayAbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing overlay %q: %w", overlayAbs, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return fmt.Errorf("qemu-img not found in PATH: %w", err)
	}

	cmd := exec.Command(qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayAbs)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// graphicsDoc matches the <graphics> elements of a domain XML description.
type graphicsDoc struct {
	Devices struct {
		Graphics []struct {
			Type string `xml:"type,attr"`
			Port string `xml:"port,attr"`
		} `xml:"graphics"`
	} `xml:"devices"`
}

// parseVNCPort extracts the VNC port from a running domain's XML. Autoport
// assigns the real port only once the domain is running; -1 means it is not
// yet bound.
func parseVNCPort(xmlDesc string) (int, error) {
	var doc graphicsDoc
	if err := xml.Unmarshal([]byte(xmlDesc), &doc); err != nil {
		return 0, fmt.Errorf("parse domain xml: %w", err)
	}

	for _, g := range doc.Devices.Graphics {
		if g.Type != "vnc" {
			continue
		}
		port := 0
		if _, err := fmt.Sscanf(g.Port, "%d", &port); err != nil {
			return 0, fmt.Errorf("parse VNC port %q: %w", g.Port, err)
		}
		if port <= 0 {
			return 0, errors.New("VNC port not yet assigned")
		}
		return port, nil
	}
	return 0, errors.New("domain has no VNC graphics device")
}
