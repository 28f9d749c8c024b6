package models

// RestorationTarget is the room and voice membership replayed after a reconnect.
type RestorationTarget struct {
	LastRoom    string `json:"last_room"`
	VoiceWanted bool   `json:"voice_wanted"`
	VoiceRoom   string `json:"voice_room"`
}

// IsZero reports whether there is nothing to restore.
func (t RestorationTarget) IsZero() bool {
	return t.LastRoom == "" && !t.VoiceWanted && t.VoiceRoom == ""
}
