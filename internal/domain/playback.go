package domain

// Track is one entry in a playback queue. Immutable once queued. Metadata
// holds the serialized DIDL-Lite descriptor passed to the renderer alongside
// the URI.
type Track struct {
	URI      string `json:"uri"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	ArtURL   string `json:"art_url,omitempty"`
	Duration string `json:"duration,omitempty"`
	Metadata string `json:"-"`
}

type TransportState string

const (
	StateIdle          TransportState = "Idle"
	StateLoading       TransportState = "Loading"
	StateTransitioning TransportState = "Transitioning"
	StatePlaying       TransportState = "Playing"
	StatePaused        TransportState = "Paused"
	StateStopped       TransportState = "Stopped"
	StateError         TransportState = "Error"
)

// PositionInfo is the device-reported playback position snapshot. TrackURI
// identifies what the renderer is actually playing, which is how queue
// auto-advance is detected.
type PositionInfo struct {
	TrackURI string
	Duration string
	RelTime  string
}

// SessionStatus is the session-owned snapshot returned by status queries.
// It is always served from the last reconciliation, never from a fresh
// device call.
type SessionStatus struct {
	RendererUDN  string         `json:"renderer_udn"`
	RendererName string         `json:"renderer_name"`
	Queue        []Track        `json:"queue"`
	CurrentIndex int            `json:"current_index"`
	TotalTracks  int            `json:"total_tracks"`
	State        TransportState `json:"transport_state"`
	ErrorReason  string         `json:"error_reason,omitempty"`
	Position     string         `json:"position,omitempty"`
	Duration     string         `json:"duration,omitempty"`
	Gapless      bool           `json:"gapless"`
}
