package audio

// InterruptReason identifies why the current reply clip was cut short. It is
// passed to the playback controller so that logs and metrics can tell a
// barge-in apart from housekeeping teardown.
type InterruptReason int

const (
	// BargeIn indicates that the user started a new recording while the
	// assistant was still speaking.
	BargeIn InterruptReason = iota

	// Superseded indicates that a newer reply replaced the current clip.
	Superseded

	// CollectionSwitch indicates that the session is reconnecting to a
	// different collection.
	CollectionSwitch

	// ConnectionLost indicates that the transport failed.
	ConnectionLost

	// Shutdown indicates that the session is being torn down.
	Shutdown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "barge_in"
	case Superseded:
		return "superseded"
	case CollectionSwitch:
		return "collection_switch"
	case ConnectionLost:
		return "connection_lost"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
