package engine

// NewState returns the state of a freshly created room: nothing loaded,
// full volume, version 0.
func NewState(roomID, hostID string) State {
	return State{
		RoomID: roomID,
		HostID: hostID,
		Volume: 1,
		Queue:  []string{},
	}
}

func clampToTrack(s State, pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if s.Track != nil && s.Track.Duration > 0 && pos > s.Track.Duration {
		return s.Track.Duration
	}
	return pos
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
