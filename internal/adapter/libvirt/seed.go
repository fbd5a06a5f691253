package libvirt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// seedManifest is what the in-guest session manager reads from the seed disk
// to bring up the environment.
type seedManifest struct {
	EnvironmentID string   `json:"environment_id"`
	Owner         string   `json:"owner"`
	Applications  []string `json:"applications"`
	NetworkMode   string   `json:"network_mode"`
}

// createSeedISO stages the manifest and packs it into an ISO9660 image the
// domain attaches as a read-only cdrom.
func createSeedISO(runDir string, manifest seedManifest) (string, error) {
	stagingDir := filepath.Join(runDir, "seed_data")
	if err := os.RemoveAll(stagingDir); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("clear seed staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create seed staging dir: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, ManifestFilename), data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	imagePath := filepath.Join(runDir, "seed.iso")
	label := sanitizeVolumeLabel("GENOS", manifest.EnvironmentID)
	if err := createISOFromDirectory(stagingDir, imagePath, label); err != nil {
		return "", fmt.Errorf("create seed image: %w", err)
	}
	return imagePath, nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// sanitizeVolumeLabel folds the parts into an uppercase ISO9660 volume label,
// 32 characters at most.
func sanitizeVolumeLabel(parts ...string) string {
	const maxLen = 32

	label := strings.Join(parts, "_")
	if label == "" {
		label = "GENOS"
	}

	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}

	result := b.String()
	if result == "" {
		return "GENOS"
	}
	return result
}
