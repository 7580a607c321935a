// Package events fans progress and storage notifications out to whoever
// listens: the notifier, the HTTP layer, log sinks.
package events

import (
	"fmt"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Topics published on the bus.
const (
	TopicDownloadProgress   = "download:progress"
	TopicDownloadFailed     = "download:failed"
	TopicDownloadCompleted  = "download:completed"
	TopicExtractionProgress = "extraction:progress"
	TopicStorageLow         = "storage:low"
	TopicStorageCritical    = "storage:critical"
	TopicModuleRemoved      = "module:removed"
	TopicDevicesChanged     = "devices:changed"
	TopicPlacementProgress  = "placement:progress"
)

// DownloadProgress reports the state of one transfer task.
type DownloadProgress struct {
	TaskID     string
	Fraction   float64
	Bytes      int64
	TotalBytes int64
	// Throughput is bytes per second over the meter's sliding window.
	Throughput float64
}

type DownloadFailed struct {
	TaskID string
	Chunks []int
	Err    error
}

type DownloadCompleted struct {
	TaskID string
	Path   string
}

// ExtractionProgress reports curation pipeline progress.
type ExtractionProgress struct {
	Processed int64
	Selected  int64
	Skipped   int64
	Tiers     map[string]int64
}

// StorageEvent is published when a device crosses a space threshold.
type StorageEvent struct {
	DeviceID  string
	Path      string
	Available uint64
	Threshold uint64
	At        time.Time
}

type ModuleRemoved struct {
	ModuleID string
	DeviceID string
	Reason   string
}

// PlacementProgress reports bytes copied while a module moves between devices.
type PlacementProgress struct {
	ModuleID   string
	Bytes      int64
	TotalBytes int64
}

// DevicesChanged lists the device ids that appeared or disappeared on refresh.
type DevicesChanged struct {
	Added   []string
	Removed []string
}

// Bus is a typed facade over EventBus. The zero value is not usable; use New.
type Bus struct {
	bus evbus.Bus
}

func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish sends payload to every subscriber of topic. A nil Bus drops events.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}

	b.bus.Publish(topic, payload)
}

// Subscribe registers fn synchronously. fn must be func(T) where T matches
// the payload type published on topic.
func (b *Bus) Subscribe(topic string, fn any) error {
	if err := b.bus.Subscribe(topic, fn); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return nil
}

// SubscribeAsync registers fn to run on its own goroutine. Handlers for the
// same topic run one at a time.
func (b *Bus) SubscribeAsync(topic string, fn any) error {
	if err := b.bus.SubscribeAsync(topic, fn, true); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return nil
}

func (b *Bus) Unsubscribe(topic string, fn any) error {
	return b.bus.Unsubscribe(topic, fn)
}

// Wait blocks until asynchronous handlers drain.
func (b *Bus) Wait() {
	if b == nil {
		return
	}

	b.bus.WaitAsync()
}
