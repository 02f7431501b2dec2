// Package metrics exports cooler readings and update outcomes to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kraken-go-home/internal/kraken"
)

var (
	liquidTemp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kraken",
		Name:      "liquid_temperature_celsius",
		Help:      "Coolant temperature from the last status read",
	}, []string{"device"})

	fanRPM = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kraken",
		Name:      "fan_rpm",
		Help:      "Fan speed from the last status read",
	}, []string{"device"})

	pumpRPM = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kraken",
		Name:      "pump_rpm",
		Help:      "Pump speed from the last status read",
	}, []string{"device"})

	updatePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kraken",
		Name:      "update_passes_total",
		Help:      "Update passes by result",
	}, []string{"device", "result"})

	updatesEnabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kraken",
		Name:      "updates_enabled",
		Help:      "1 while periodic updates run, 0 when off or halted",
	}, []string{"device"})
)

// ObservePass records the outcome of one pass. Readings are only updated
// when the pass succeeded.
func ObservePass(device string, t kraken.Telemetry, err error) {
	if err != nil {
		updatePasses.WithLabelValues(device, "error").Inc()
		return
	}
	updatePasses.WithLabelValues(device, "ok").Inc()
	liquidTemp.WithLabelValues(device).Set(float64(t.LiquidTemp))
	fanRPM.WithLabelValues(device).Set(float64(t.FanRPM))
	pumpRPM.WithLabelValues(device).Set(float64(t.PumpRPM))
}

// SetUpdatesEnabled reports whether the device is being updated.
func SetUpdatesEnabled(device string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	updatesEnabled.WithLabelValues(device).Set(v)
}

// DeleteDevice removes every series of a detached device.
func DeleteDevice(device string) {
	liquidTemp.DeleteLabelValues(device)
	fanRPM.DeleteLabelValues(device)
	pumpRPM.DeleteLabelValues(device)
	updatesEnabled.DeleteLabelValues(device)
	updatePasses.DeletePartialMatch(prometheus.Labels{"device": device})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
