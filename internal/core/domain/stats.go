package domain

import "time"

// StatsSample is one tick of live statistics for the active outbound session.
type StatsSample struct {
	ElapsedSeconds int       `json:"elapsed_seconds"`
	FPS            int       `json:"fps"`
	BitrateKbps    int       `json:"bitrate_kbps"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatsReading is what a stats source reports for the current tick.
type StatsReading struct {
	FPS         int
	BitrateKbps int
}
