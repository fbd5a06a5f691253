// Package validate normalizes and validates environment specs against a
// capability catalog snapshot. Validation is pure: it never touches the
// registry or the pool, and a failed validation is terminal for the request.
package validate

import (
	"fmt"

	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/model"
)

// Validation failure codes.
const (
	CodeUnknownImage                  = "UnknownImage"
	CodeUnknownApplication            = "UnknownApplication"
	CodeResourceRequestExceedsMaximum = "ResourceRequestExceedsMaximum"
	CodeInvalidIsolationMode          = "InvalidIsolationMode"
	CodeUnknownRuntime                = "UnknownRuntime"
)

// Default resource allocations applied when a spec leaves a dimension unset.
const (
	DefaultCPU      = 2
	DefaultMemoryMB = 2048
	DefaultDiskGB   = 20
)

// Error is a terminal validation failure. Requests that fail validation are
// rejected synchronously and never retried.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ValidationError: %s: %s", e.Code, e.Detail)
}

// Spec normalizes spec and checks it against the catalog. It returns the
// normalized copy: resource defaults applied, applications deduplicated in
// order, empty network mode and priority replaced with their defaults.
func Spec(c *catalog.Catalog, spec model.EnvironmentSpec) (model.EnvironmentSpec, error) {
	out := spec
	out.Applications = dedupe(spec.Applications)
	if out.Resources.CPU == 0 {
		out.Resources.CPU = DefaultCPU
	}
	if out.Resources.MemoryMB == 0 {
		out.Resources.MemoryMB = DefaultMemoryMB
	}
	if out.Resources.DiskGB == 0 {
		out.Resources.DiskGB = DefaultDiskGB
	}
	if out.NetworkMode == "" {
		out.NetworkMode = model.NetworkIsolated
	}
	if out.Priority == "" {
		out.Priority = model.PriorityNormal
	}

	if !c.HasImage(out.BaseImage) {
		return out, &Error{Code: CodeUnknownImage, Detail: fmt.Sprintf("base image %q is not in the catalog", out.BaseImage)}
	}

	for _, app := range out.Applications {
		if _, ok := c.Application(app); !ok {
			return out, &Error{Code: CodeUnknownApplication, Detail: fmt.Sprintf("application %q is not in the catalog", app)}
		}
		if !c.Installable(app, out.BaseImage) {
			return out, &Error{Code: CodeUnknownApplication, Detail: fmt.Sprintf("application %q is not installable on image %q", app, out.BaseImage)}
		}
	}

	if out.Resources.CPU < 0 || out.Resources.MemoryMB < 0 || out.Resources.DiskGB < 0 {
		return out, &Error{Code: CodeResourceRequestExceedsMaximum, Detail: "resource request must not be negative"}
	}
	if !c.Satisfiable(out.Resources) {
		return out, &Error{
			Code:   CodeResourceRequestExceedsMaximum,
			Detail: fmt.Sprintf("no host can satisfy cpu=%d memory_mb=%d disk_gb=%d gpu=%d", out.Resources.CPU, out.Resources.MemoryMB, out.Resources.DiskGB, out.Resources.GPUUnits()),
		}
	}

	switch out.NetworkMode {
	case model.NetworkIsolated, model.NetworkFiltered, model.NetworkOpen:
	default:
		return out, &Error{Code: CodeInvalidIsolationMode, Detail: fmt.Sprintf("network mode %q is not supported", out.NetworkMode)}
	}

	if out.Runtime != "" && !c.HasRuntime(out.Runtime) {
		return out, &Error{Code: CodeUnknownRuntime, Detail: fmt.Sprintf("runtime %q is not enabled", out.Runtime)}
	}

	return out, nil
}

// dedupe removes duplicate application names, keeping first occurrence order.
func dedupe(apps []string) []string {
	if len(apps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(apps))
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
