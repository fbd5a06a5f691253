// Package sched implements admission control for environments: a resource
// pool tracking per-host capacity, best-fit placement, and bounded wait
// queues per priority class with explicit backpressure.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/model"
)

// vector is a demand or capacity amount across the four schedulable dimensions.
type vector struct {
	cpu  int
	mem  int
	disk int
	gpu  int
}

func demand(r model.Resources) vector {
	return vector{cpu: r.CPU, mem: r.MemoryMB, disk: r.DiskGB, gpu: r.GPUUnits()}
}

func (v vector) fitsIn(free vector) bool {
	return v.cpu <= free.cpu && v.mem <= free.mem && v.disk <= free.disk && v.gpu <= free.gpu
}

func (v vector) sub(d vector) vector {
	return vector{cpu: v.cpu - d.cpu, mem: v.mem - d.mem, disk: v.disk - d.disk, gpu: v.gpu - d.gpu}
}

func (v vector) add(d vector) vector {
	return vector{cpu: v.cpu + d.cpu, mem: v.mem + d.mem, disk: v.disk + d.disk, gpu: v.gpu + d.gpu}
}

type hostState struct {
	name     string
	capacity vector
	free     vector
	active   int
}

// score rates placing demand d on host h: the sum of the host's normalized
// free fractions after the hypothetical placement. Smaller is a tighter fit.
func (h *hostState) score(d vector) float64 {
	after := h.free.sub(d)
	var s float64
	if h.capacity.cpu > 0 {
		s += float64(after.cpu) / float64(h.capacity.cpu)
	}
	if h.capacity.mem > 0 {
		s += float64(after.mem) / float64(h.capacity.mem)
	}
	if h.capacity.disk > 0 {
		s += float64(after.disk) / float64(h.capacity.disk)
	}
	if h.capacity.gpu > 0 {
		s += float64(after.gpu) / float64(h.capacity.gpu)
	}
	return s
}

// Pool tracks per-host free capacity and the active reservations against it.
// All mutation happens under one mutex, so two admissions racing for the last
// unit of capacity on a host can never both succeed.
type Pool struct {
	mu           sync.Mutex
	hosts        map[string]*hostState
	order        []string
	reservations map[string]model.Reservation
}

// NewPool builds a pool over the given host inventory.
func NewPool(hosts []catalog.Host) *Pool {
	p := &Pool{
		hosts:        make(map[string]*hostState, len(hosts)),
		reservations: make(map[string]model.Reservation),
	}
	for _, h := range hosts {
		cap := vector{cpu: h.CPU, mem: h.MemoryMB, disk: h.DiskGB, gpu: h.GPUs}
		p.hosts[h.Name] = &hostState{name: h.Name, capacity: cap, free: cap}
		p.order = append(p.order, h.Name)
	}
	sort.Strings(p.order)
	for _, h := range p.hosts {
		updateHostGauges(h)
	}
	return p
}

// Reserve claims capacity for envID on the best-fitting host. Hosts that
// satisfy every dimension are scored by tightness of fit; ties break to the
// host with fewer active reservations, then to the lexically smaller name.
// It reports false when no host currently fits.
func (p *Pool) Reserve(envID string, r model.Resources) (model.Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := demand(r)
	var best *hostState
	var bestScore float64
	for _, name := range p.order {
		h := p.hosts[name]
		if !d.fitsIn(h.free) {
			continue
		}
		s := h.score(d)
		if best == nil || s < bestScore || (s == bestScore && h.active < best.active) {
			best, bestScore = h, s
		}
	}
	if best == nil {
		return model.Reservation{}, false
	}

	best.free = best.free.sub(d)
	best.active++

	res := model.Reservation{
		ID:        uuid.NewString(),
		EnvID:     envID,
		Host:      best.name,
		CPU:       r.CPU,
		MemoryMB:  r.MemoryMB,
		DiskGB:    r.DiskGB,
		GPU:       d.gpu,
		CreatedAt: time.Now().UTC(),
	}
	p.reservations[res.ID] = res

	updateHostGauges(best)
	reservationsActive.Set(float64(len(p.reservations)))
	return res, true
}

// Release frees the capacity held by a reservation. Releasing an unknown or
// already released reservation reports false and changes nothing, which makes
// release-exactly-once safe to call from racing cleanup paths.
func (p *Pool) Release(reservationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.reservations[reservationID]
	if !ok {
		return false
	}
	delete(p.reservations, reservationID)

	h := p.hosts[res.Host]
	h.free = h.free.add(vector{cpu: res.CPU, mem: res.MemoryMB, disk: res.DiskGB, gpu: res.GPU})
	h.active--

	updateHostGauges(h)
	reservationsActive.Set(float64(len(p.reservations)))
	return true
}

// Restore re-applies a persisted reservation after a restart. It fails when
// the host is unknown or the reservation would overflow the host's capacity.
func (p *Pool) Restore(res model.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.hosts[res.Host]
	if !ok {
		return fmt.Errorf("restore reservation %s: unknown host %q", res.ID, res.Host)
	}
	if _, exists := p.reservations[res.ID]; exists {
		return fmt.Errorf("restore reservation %s: already active", res.ID)
	}
	d := vector{cpu: res.CPU, mem: res.MemoryMB, disk: res.DiskGB, gpu: res.GPU}
	if !d.fitsIn(h.free) {
		return fmt.Errorf("restore reservation %s: does not fit host %q", res.ID, res.Host)
	}

	h.free = h.free.sub(d)
	h.active++
	p.reservations[res.ID] = res

	updateHostGauges(h)
	reservationsActive.Set(float64(len(p.reservations)))
	return nil
}

// ResourceView reports one capacity vector in API form.
type ResourceView struct {
	CPU      int `json:"cpu"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`
	GPUs     int `json:"gpus"`
}

// HostUtilization is a point-in-time view of one host's allocation.
type HostUtilization struct {
	Name          string       `json:"name"`
	Capacity      ResourceView `json:"capacity"`
	Reserved      ResourceView `json:"reserved"`
	Active        int          `json:"active_reservations"`
	CPUPercent    float64      `json:"cpu_percent"`
	MemoryPercent float64      `json:"memory_percent"`
	DiskPercent   float64      `json:"disk_percent"`
}

// Hosts returns a utilization snapshot for every host, ordered by name.
func (p *Pool) Hosts() []HostUtilization {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]HostUtilization, 0, len(p.order))
	for _, name := range p.order {
		h := p.hosts[name]
		reserved := h.capacity.sub(h.free)
		out = append(out, HostUtilization{
			Name:          h.name,
			Capacity:      ResourceView{CPU: h.capacity.cpu, MemoryMB: h.capacity.mem, DiskGB: h.capacity.disk, GPUs: h.capacity.gpu},
			Reserved:      ResourceView{CPU: reserved.cpu, MemoryMB: reserved.mem, DiskGB: reserved.disk, GPUs: reserved.gpu},
			Active:        h.active,
			CPUPercent:    percent(reserved.cpu, h.capacity.cpu),
			MemoryPercent: percent(reserved.mem, h.capacity.mem),
			DiskPercent:   percent(reserved.disk, h.capacity.disk),
		})
	}
	return out
}

func percent(used, capacity int) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity) * 100
}
