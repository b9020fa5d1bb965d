package domain

import "time"

// Renderer is a DLNA MediaRenderer discovered on the local network. The UDN
// is its stable identity; control endpoints may be re-resolved when stale.
type Renderer struct {
	UDN                 string    `json:"id"`
	Name                string    `json:"name"`
	Location            string    `json:"location"`
	ControlURL          string    `json:"-"`
	RenderingControlURL string    `json:"-"`
	SupportsNext        bool      `json:"supports_queue"`
	LastSeen            time.Time `json:"last_seen"`
}
