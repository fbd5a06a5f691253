package model

// Network isolation mode constants.
const (
	NetworkIsolated = "isolated"
	NetworkFiltered = "filtered"
	NetworkOpen     = "open"
)

// Priority class constants. Higher classes drain from the admission queue first.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Runtime adapter variant constants.
const (
	RuntimeFirecracker = "firecracker"
	RuntimeLibvirt     = "libvirt"
	RuntimeLocal       = "local"
)

// priorityRank orders priority classes for queue draining.
var priorityRank = map[string]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
}

// PriorityRank returns the drain order of a priority class; higher ranks are
// drained first. Unknown classes rank as normal.
func PriorityRank(priority string) int {
	if r, ok := priorityRank[priority]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// KnownPriority reports whether the given priority class is one of the
// enumerated values.
func KnownPriority(priority string) bool {
	_, ok := priorityRank[priority]
	return ok
}

// Resources is the per-dimension resource request of an environment spec.
// GPU demand is a unit claim: an environment either holds one GPU or none.
type Resources struct {
	CPU      int  `json:"cpu"`
	MemoryMB int  `json:"memory_mb"`
	DiskGB   int  `json:"disk_gb"`
	GPU      bool `json:"gpu,omitempty"`
}

// GPUUnits returns the GPU demand as a capacity-vector dimension.
func (r Resources) GPUUnits() int {
	if r.GPU {
		return 1
	}
	return 0
}

// EnvironmentSpec is the immutable, validated description of a requested
// environment. It is created once by the composer and read-only thereafter.
type EnvironmentSpec struct {
	BaseImage    string    `json:"base_image"`
	Applications []string  `json:"applications"`
	Resources    Resources `json:"resources"`
	NetworkMode  string    `json:"network_mode"`
	Owner        string    `json:"owner"`
	Priority     string    `json:"priority"`
	Runtime      string    `json:"runtime,omitempty"`
	AutoStart    *bool     `json:"auto_start,omitempty"`
}

// WantsAutoStart reports whether the spec asks for immediate admission after
// validation. Unset means yes.
func (s EnvironmentSpec) WantsAutoStart() bool {
	return s.AutoStart == nil || *s.AutoStart
}
