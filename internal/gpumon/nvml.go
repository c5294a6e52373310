package gpumon

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlQuerier reads devices through the NVIDIA Management Library.
type nvmlQuerier struct{}

// NewNVMLQuerier returns the production DeviceQuerier backed by NVML.
func NewNVMLQuerier() DeviceQuerier { return nvmlQuerier{} }

func (nvmlQuerier) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return errors.New("nvml init: " + nvml.ErrorString(ret))
	}
	return nil
}

func (nvmlQuerier) Count() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, errors.New("nvml device count: " + nvml.ErrorString(ret))
	}
	return count, nil
}

func (nvmlQuerier) Read(index int) (DeviceReading, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return DeviceReading{}, fmt.Errorf("nvml handle %d: %s", index, nvml.ErrorString(ret))
	}
	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		return DeviceReading{}, fmt.Errorf("nvml name %d: %s", index, nvml.ErrorString(ret))
	}
	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return DeviceReading{}, fmt.Errorf("nvml memory %d: %s", index, nvml.ErrorString(ret))
	}
	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return DeviceReading{}, fmt.Errorf("nvml utilization %d: %s", index, nvml.ErrorString(ret))
	}
	return DeviceReading{
		Name:              name,
		TotalMemory:       mem.Total,
		UsedMemory:        mem.Used,
		FreeMemory:        mem.Free,
		GPUUtilization:    util.Gpu,
		MemoryUtilization: util.Memory,
	}, nil
}

func (nvmlQuerier) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.New("nvml shutdown: " + nvml.ErrorString(ret))
	}
	return nil
}
