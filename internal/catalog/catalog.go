// Package catalog holds the capability catalog: the base images and
// applications environments may request, the supported runtime variants, and
// the host inventory the scheduler places reservations against. A loaded
// catalog is an immutable snapshot; validation and admission read it without
// locking.
package catalog

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/willynikes2/GenOS/internal/model"
)

// Image is a base image environments can be built from.
type Image struct {
	Name string `yaml:"name" json:"name"`
}

// Application is an installable application. Images restricts which base
// images it can be installed on; empty means any image.
type Application struct {
	Name   string   `yaml:"name" json:"name"`
	Images []string `yaml:"images,omitempty" json:"images,omitempty"`
}

// Host is one provisionable host and its capacity vector.
type Host struct {
	Name     string `yaml:"name" json:"name"`
	CPU      int    `yaml:"cpu" json:"cpu"`
	MemoryMB int    `yaml:"memory_mb" json:"memory_mb"`
	DiskGB   int    `yaml:"disk_gb" json:"disk_gb"`
	GPUs     int    `yaml:"gpus" json:"gpus"`
}

// Catalog is the full capability snapshot.
type Catalog struct {
	Images       []Image       `yaml:"images" json:"images"`
	Applications []Application `yaml:"applications" json:"applications"`
	Runtimes     []string      `yaml:"runtimes,omitempty" json:"runtimes,omitempty"`
	Hosts        []Host        `yaml:"hosts" json:"hosts"`
}

// Parse decodes and validates a YAML catalog.
func Parse(input []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(input, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(c.Runtimes) == 0 {
		c.Runtimes = defaultRuntimes()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads and parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Validate checks the catalog for internal consistency.
func (c *Catalog) Validate() error {
	if len(c.Images) == 0 {
		return fmt.Errorf("catalog.images must be non-empty")
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("catalog.hosts must be non-empty")
	}

	seenImages := make(map[string]bool, len(c.Images))
	for i, img := range c.Images {
		if img.Name == "" {
			return fmt.Errorf("catalog.images[%d].name is required", i)
		}
		if seenImages[img.Name] {
			return fmt.Errorf("catalog.images[%d].name must be unique (duplicate %q)", i, img.Name)
		}
		seenImages[img.Name] = true
	}

	seenApps := make(map[string]bool, len(c.Applications))
	for i, app := range c.Applications {
		if app.Name == "" {
			return fmt.Errorf("catalog.applications[%d].name is required", i)
		}
		if seenApps[app.Name] {
			return fmt.Errorf("catalog.applications[%d].name must be unique (duplicate %q)", i, app.Name)
		}
		seenApps[app.Name] = true
		for _, img := range app.Images {
			if !seenImages[img] {
				return fmt.Errorf("catalog.applications[%d] references unknown image %q", i, img)
			}
		}
	}

	seenHosts := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("catalog.hosts[%d].name is required", i)
		}
		if seenHosts[h.Name] {
			return fmt.Errorf("catalog.hosts[%d].name must be unique (duplicate %q)", i, h.Name)
		}
		seenHosts[h.Name] = true
		if h.CPU <= 0 || h.MemoryMB <= 0 || h.DiskGB <= 0 {
			return fmt.Errorf("catalog.hosts[%d] capacity must be positive", i)
		}
		if h.GPUs < 0 {
			return fmt.Errorf("catalog.hosts[%d].gpus must not be negative", i)
		}
	}

	return nil
}

// HasImage reports whether the named base image exists.
func (c *Catalog) HasImage(name string) bool {
	for _, img := range c.Images {
		if img.Name == name {
			return true
		}
	}
	return false
}

// Application returns the named application, if known.
func (c *Catalog) Application(name string) (Application, bool) {
	for _, app := range c.Applications {
		if app.Name == name {
			return app, true
		}
	}
	return Application{}, false
}

// Installable reports whether the named application can be installed on the
// given base image. Unknown applications are not installable anywhere.
func (c *Catalog) Installable(app, image string) bool {
	a, ok := c.Application(app)
	if !ok {
		return false
	}
	return len(a.Images) == 0 || slices.Contains(a.Images, image)
}

// HasRuntime reports whether the named runtime adapter variant is enabled.
func (c *Catalog) HasRuntime(name string) bool {
	return slices.Contains(c.Runtimes, name)
}

// Satisfiable reports whether any host could ever satisfy the request, that
// is, whether the request fits within some single host's full capacity.
func (c *Catalog) Satisfiable(r model.Resources) bool {
	for _, h := range c.Hosts {
		if r.CPU <= h.CPU && r.MemoryMB <= h.MemoryMB && r.DiskGB <= h.DiskGB && r.GPUUnits() <= h.GPUs {
			return true
		}
	}
	return false
}

func defaultRuntimes() []string {
	return []string{model.RuntimeFirecracker, model.RuntimeLibvirt, model.RuntimeLocal}
}

// Default returns the built-in catalog used when no catalog file is
// configured. It mirrors a small two-host development setup.
func Default() *Catalog {
	return &Catalog{
		Images: []Image{
			{Name: "ubuntu-22.04"},
			{Name: "ubuntu-20.04"},
			{Name: "fedora-39"},
			{Name: "windows-11"},
		},
		Applications: []Application{
			{Name: "vscode"},
			{Name: "firefox"},
			{Name: "chrome"},
			{Name: "tor-browser"},
			{Name: "office"},
			{Name: "gimp"},
			{Name: "vlc"},
			{Name: "terminal"},
			{Name: "docker"},
			{Name: "python"},
			{Name: "nodejs"},
			{Name: "git"},
		},
		Runtimes: defaultRuntimes(),
		Hosts: []Host{
			{Name: "local-1", CPU: 8, MemoryMB: 16384, DiskGB: 200, GPUs: 0},
			{Name: "local-2", CPU: 16, MemoryMB: 32768, DiskGB: 500, GPUs: 1},
		},
	}
}
