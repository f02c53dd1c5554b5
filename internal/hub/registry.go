package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/heartbeat"
)

// DefaultMissThreshold is the number of missed intervals after which a device is unhealthy.
const DefaultMissThreshold = 3

// DeviceStatus is the hub's view of one device.
type DeviceStatus struct {
	DeviceID      string             `json:"device_id"`
	FirstSeen     time.Time          `json:"first_seen"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	MissedBeats   int                `json:"missed_beats"`
	Healthy       bool               `json:"healthy"`
	Metadata      heartbeat.Metadata `json:"metadata"`
}

// Summary counts devices by health.
type Summary struct {
	Total     int            `json:"total"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
	Devices   []DeviceStatus `json:"devices"`
}

// Registry tracks the last heartbeat of every device.
type Registry struct {
	interval  time.Duration
	threshold int

	mu      sync.Mutex
	devices map[string]*DeviceStatus
}

// NewRegistry returns a Registry expecting a heartbeat every interval.
func NewRegistry(interval time.Duration, missThreshold int) *Registry {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if missThreshold < 1 {
		missThreshold = DefaultMissThreshold
	}
	return &Registry{interval: interval, threshold: missThreshold, devices: make(map[string]*DeviceStatus)}
}

// Observe records a heartbeat from msg.DeviceID at at. It reports whether the
// device was unknown or unhealthy before this heartbeat.
func (r *Registry) Observe(msg heartbeat.Message, at time.Time) (returned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[msg.DeviceID]
	if !ok {
		d = &DeviceStatus{DeviceID: msg.DeviceID, FirstSeen: at}
		r.devices[msg.DeviceID] = d
	}
	returned = !ok || !d.Healthy
	d.LastHeartbeat = at
	d.MissedBeats = 0
	d.Healthy = true
	d.Metadata = msg.Metadata
	return returned
}

// Sweep updates missed-beat counts as of now and returns the devices that became unhealthy.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lost []string
	for id, d := range r.devices {
		d.MissedBeats = int(now.Sub(d.LastHeartbeat) / r.interval)
		if d.Healthy && d.MissedBeats >= r.threshold {
			d.Healthy = false
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost
}

// Device returns the status of id, or false if it never sent a heartbeat.
func (r *Registry) Device(id string) (DeviceStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return DeviceStatus{}, false
	}
	return *d, true
}

// Summary returns every device sorted by id.
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Devices: make([]DeviceStatus, 0, len(r.devices))}
	for _, d := range r.devices {
		s.Devices = append(s.Devices, *d)
		if d.Healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
	}
	s.Total = len(s.Devices)
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].DeviceID < s.Devices[j].DeviceID })
	return s
}
