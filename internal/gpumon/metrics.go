package gpumon

import "github.com/prometheus/client_golang/prometheus"

var idleDevices = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "gpuschedd",
	Subsystem: "gpu",
	Name:      "idle_devices",
	Help:      "Devices classified idle at the last scan",
})

func init() {
	prometheus.MustRegister(idleDevices)
}
