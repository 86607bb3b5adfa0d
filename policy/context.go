// Package policy computes per-job compression parameters and decides
// whether compression is available and worth doing for a given file.
package policy

import "time"

// DeviceClass describes the capability tier of the uploading device.
type DeviceClass string

const (
	DeviceUnknown     DeviceClass = ""
	DeviceDesktop     DeviceClass = "desktop"
	DeviceMobile      DeviceClass = "mobile"
	DeviceConstrained DeviceClass = "constrained"
)

// NetworkClass is derived from the client's effective-connection-type hint.
type NetworkClass string

const (
	NetworkUnknown  NetworkClass = ""
	NetworkSlow     NetworkClass = "slow" // 2G-equivalent
	NetworkModerate NetworkClass = "moderate"
	NetworkFast     NetworkClass = "fast"
)

// Priority is the medical urgency tag attached to an upload.
type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// File describes the candidate upload. Only metadata travels here; the
// byte stream stays with the worker.
type File struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
}

// Options carries the caller-supplied context for one compression request.
type Options struct {
	Device   DeviceClass   `json:"device,omitempty"`
	Network  NetworkClass  `json:"network,omitempty"`
	Priority Priority      `json:"priority,omitempty"`
	Timeout  time.Duration `json:"-"` // recovery override, zero means derive from context
}

// FlagContext builds the feature-flag lookup context for these options.
func (o Options) FlagContext() map[string]string {
	ctx := make(map[string]string, 2)
	if o.Priority != "" {
		ctx["priority"] = string(o.Priority)
	}
	if o.Device != "" {
		ctx["device"] = string(o.Device)
	}
	return ctx
}
