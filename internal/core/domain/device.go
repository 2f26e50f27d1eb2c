package domain

type DeviceID string

type DeviceStatus string

const (
	StatusAvailable   DeviceStatus = "available"
	StatusOccupied    DeviceStatus = "occupied"
	StatusUnavailable DeviceStatus = "unavailable"
)

// Valid reports whether s is one of the known device statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusOccupied, StatusUnavailable:
		return true
	}
	return false
}

// Device is a discovered peer, or the local host itself when IsLocal is set.
// Identity and IsLocal never change once the device is created; Status is
// the only field mutated by the registry.
type Device struct {
	ID      DeviceID     `json:"id"`
	Name    string       `json:"name"`
	Address string       `json:"address"`
	Status  DeviceStatus `json:"status"`
	IsLocal bool         `json:"is_local"`
}

// Selectable reports whether the device can be chosen as a sharing target.
func (d Device) Selectable() bool {
	return !d.IsLocal && d.Status == StatusAvailable
}

// RegistrySnapshot is a read-only copy of the registry state.
type RegistrySnapshot struct {
	Devices     []Device `json:"devices"`
	Local       *Device  `json:"local,omitempty"`
	Discovering bool     `json:"discovering"`
}

// Find returns the device with the given id, if present in the snapshot.
func (s RegistrySnapshot) Find(id DeviceID) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}
