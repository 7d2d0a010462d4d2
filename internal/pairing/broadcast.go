package pairing

import (
	"sort"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

// broadcastDeviceList pushes one identical device list snapshot to every live
// device. Peers that are closed or saturated are skipped.
func (r *Router) broadcastDeviceList() {
	devices := r.reg.List()
	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].ConnectedAt.Equal(devices[j].ConnectedAt) {
			return devices[i].ConnectedAt.Before(devices[j].ConnectedAt)
		}
		return devices[i].ID < devices[j].ID
	})

	infos := make([]protocol.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, d.Info())
	}

	frame, err := protocol.Marshal(protocol.DeviceListUpdated{
		Devices:      infos,
		TotalDevices: len(infos),
		Timestamp:    r.now(),
	})
	if err != nil {
		r.log.Error("failed to encode device list", "err", err)
		return
	}

	delivered := 0
	for _, d := range devices {
		if r.deliver(d, frame) {
			delivered++
		}
	}
	r.metrics.Inc(metrics.Broadcasts)
	r.log.Debug("device_list_broadcast", "devices", len(infos), "delivered", delivered)
}
