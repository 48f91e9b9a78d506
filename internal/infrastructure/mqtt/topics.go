package mqtt

import "fmt"

// Topic prefixes for the Hashwatch event bus.
//
// Scheme: hashwatch/{category}/{id}
const (
	// TopicPrefix is the base for all Hashwatch topics.
	TopicPrefix = "hashwatch"

	// TopicPrefixDevice is the base for per-device state topics.
	TopicPrefixDevice = "hashwatch/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "hashwatch/system"
)

// Topics provides builders for Hashwatch MQTT topics. Using these helpers
// keeps topic naming consistent across publishers and test subscribers.
type Topics struct{}

// DeviceState returns the retained state topic for one miner.
//
// Example: hashwatch/device/192.168.1.42/state
func (Topics) DeviceState(ip string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, ip)
}

// ScanCompleted returns the topic for sweep completion events.
//
// Example: hashwatch/scan/completed
func (Topics) ScanCompleted() string {
	return fmt.Sprintf("%s/scan/completed", TopicPrefix)
}

// BatchCompleted returns the topic for config batch completion events.
//
// Example: hashwatch/batch/completed
func (Topics) BatchCompleted() string {
	return fmt.Sprintf("%s/batch/completed", TopicPrefix)
}

// SystemStatus returns the retained system status topic.
//
// Example: hashwatch/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching all device state topics.
//
// Pattern: hashwatch/device/+/state
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixDevice)
}
