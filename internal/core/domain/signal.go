package domain

// SignalOffer is sent by the sharing host to the target's signaling
// endpoint. SDP carries a complete (non-trickle) session description.
type SignalOffer struct {
	FromDeviceID DeviceID `json:"from_device_id"`
	FromName     string   `json:"from_name,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	SDP          string   `json:"sdp"`
}

// SignalAnswer is the target's reply to a SignalOffer.
type SignalAnswer struct {
	SDP string `json:"sdp"`
}
