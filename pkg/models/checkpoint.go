package models

import "time"

// Cookie is a browser cookie captured in a checkpoint
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path,omitempty"`
}

// StorageSnapshot holds the serialized web storage of the current origin
type StorageSnapshot struct {
	Local   string `json:"localStorage"`
	Session string `json:"sessionStorage"`
}

// Checkpoint is a named point-in-time snapshot of a session's browser state
type Checkpoint struct {
	Name      string          `json:"name"`
	URL       string          `json:"url"`
	Timestamp time.Time       `json:"timestamp"`
	Cookies   []Cookie        `json:"cookies"`
	Storage   StorageSnapshot `json:"storage"`
}
