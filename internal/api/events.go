package api

import (
	"encoding/json"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/dispatch"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/mqtt"
	"github.com/hashwatch/hashwatch-core/internal/scan"
)

// WebSocket event channels. Clients subscribe by channel name.
const (
	ChannelDeviceUpdated  = "device.updated"
	ChannelScanCompleted  = "scan.completed"
	ChannelBatchCompleted = "batch.completed"
)

// deviceEvent is the payload broadcast when a registry record changes.
type deviceEvent struct {
	Change device.Change  `json:"change"`
	Device *device.Device `json:"device"`
}

// onDeviceUpdate is the registry update hook. It runs while the registry
// holds the per-IP lock, so the fan-out happens on a fresh goroutine;
// neither a slow WebSocket client nor a broker round-trip may stall a
// sweep worker.
func (s *Server) onDeviceUpdate(dev *device.Device, change device.Change) {
	go func() {
		event := deviceEvent{Change: change, Device: dev}

		if s.hub != nil {
			s.hub.Broadcast(ChannelDeviceUpdated, event)
		}

		if s.mqtt != nil && s.mqtt.IsConnected() {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			topic := mqtt.Topics{}.DeviceState(dev.IP)
			if err := s.mqtt.PublishRetained(topic, payload); err != nil {
				s.logger.Debug("publishing device state to mqtt", "ip", dev.IP, "error", err)
			}
		}
	}()
}

// publishScanCompleted fans a sweep report out to WebSocket subscribers
// and the MQTT bus.
func (s *Server) publishScanCompleted(report *scan.Report) {
	if s.hub != nil {
		s.hub.Broadcast(ChannelScanCompleted, report)
	}

	if s.mqtt != nil && s.mqtt.IsConnected() {
		payload, err := json.Marshal(report)
		if err != nil {
			return
		}
		topic := mqtt.Topics{}.ScanCompleted()
		if err := s.mqtt.PublishEvent(topic, payload); err != nil {
			s.logger.Debug("publishing scan report to mqtt", "scan_id", report.ScanID, "error", err)
		}
	}
}

// publishBatchCompleted fans a config batch result out to WebSocket
// subscribers and the MQTT bus.
func (s *Server) publishBatchCompleted(result *dispatch.BatchResult) {
	if s.hub != nil {
		s.hub.Broadcast(ChannelBatchCompleted, result)
	}

	if s.mqtt != nil && s.mqtt.IsConnected() {
		payload, err := json.Marshal(result)
		if err != nil {
			return
		}
		topic := mqtt.Topics{}.BatchCompleted()
		if err := s.mqtt.PublishEvent(topic, payload); err != nil {
			s.logger.Debug("publishing batch result to mqtt", "batch_id", result.BatchID, "error", err)
		}
	}
}
