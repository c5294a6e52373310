// Package gpumon measures per-device GPU utilization and classifies
// devices as idle or busy for admission control.
package gpumon

import (
	"github.com/rs/zerolog"

	"gpuschedd/pkg/types"
)

// Idle classification thresholds. A device is idle when compute
// utilization is below idleUtilizationPct and used memory is below
// idleMemoryFraction of total.
const (
	idleUtilizationPct = 10
	idleMemoryFraction = 0.20
)

// DeviceReading is one raw device sample from the query layer.
type DeviceReading struct {
	Name              string
	TotalMemory       uint64
	UsedMemory        uint64
	FreeMemory        uint64
	GPUUtilization    uint32
	MemoryUtilization uint32
}

// DeviceQuerier abstracts the driver-level device query layer so the
// monitor can be exercised without NVML present.
type DeviceQuerier interface {
	// Init prepares the query layer. Called once by New.
	Init() error
	// Count returns the number of devices visible to the driver.
	Count() (int, error)
	// Read samples the device at the given ordinal.
	Read(index int) (DeviceReading, error)
	// Shutdown releases driver resources.
	Shutdown() error
}

// Monitor answers "how many devices are idle right now". Every query hits
// the device layer; readings are never cached across calls.
type Monitor struct {
	q     DeviceQuerier
	count int
	log   zerolog.Logger
}

// New initializes the query layer and fixes the device count. An init or
// count failure degrades to zero devices rather than failing: the
// scheduler then treats the pool as never having capacity.
func New(q DeviceQuerier, log zerolog.Logger) *Monitor {
	m := &Monitor{q: q, log: log}
	if err := q.Init(); err != nil {
		log.Error().Err(err).Msg("gpu monitor init failed, reporting zero devices")
		return m
	}
	n, err := q.Count()
	if err != nil {
		log.Error().Err(err).Msg("gpu device count failed, reporting zero devices")
		return m
	}
	m.count = n
	log.Info().Int("devices", n).Msg("gpu monitor initialized")
	return m
}

// DeviceCount returns the number of devices fixed at init time.
func (m *Monitor) DeviceCount() int { return m.count }

// ListGPUs samples every device. A failed per-device read yields a
// sentinel record (name "Unknown", zeroed figures, not idle) so one bad
// device never aborts the scan.
func (m *Monitor) ListGPUs() []types.GPUStatus {
	out := make([]types.GPUStatus, 0, m.count)
	idle := 0
	for i := 0; i < m.count; i++ {
		r, err := m.q.Read(i)
		if err != nil {
			m.log.Error().Err(err).Int("index", i).Msg("gpu read failed")
			out = append(out, types.GPUStatus{Index: i, Name: "Unknown"})
			continue
		}
		status := types.GPUStatus{
			Index:             i,
			Name:              r.Name,
			TotalMemory:       r.TotalMemory,
			UsedMemory:        r.UsedMemory,
			FreeMemory:        r.FreeMemory,
			GPUUtilization:    r.GPUUtilization,
			MemoryUtilization: r.MemoryUtilization,
			IsIdle:            isIdle(r),
		}
		if status.IsIdle {
			idle++
		}
		out = append(out, status)
	}
	idleDevices.Set(float64(idle))
	return out
}

// AvailableIndices returns the ordinals of currently idle devices.
func (m *Monitor) AvailableIndices() []int {
	var idle []int
	for _, g := range m.ListGPUs() {
		if g.IsIdle {
			idle = append(idle, g.Index)
		}
	}
	return idle
}

// AvailableCount returns the number of currently idle devices.
func (m *Monitor) AvailableCount() int { return len(m.AvailableIndices()) }

// HasAvailable reports whether at least n devices are idle. A requirement
// of zero or less is always satisfied.
func (m *Monitor) HasAvailable(n int) bool {
	if n <= 0 {
		return true
	}
	return m.AvailableCount() >= n
}

// Close shuts the query layer down.
func (m *Monitor) Close() error { return m.q.Shutdown() }

func isIdle(r DeviceReading) bool {
	if r.TotalMemory == 0 {
		// No capacity figure; never classify as idle.
		return false
	}
	memUsed := float64(r.UsedMemory) / float64(r.TotalMemory)
	return r.GPUUtilization < idleUtilizationPct && memUsed < idleMemoryFraction
}
