package protocol

// Events sent by the client.
const (
	EventStartSession     = "start_session"
	EventProcessFrame     = "process_frame"
	EventSaveBackground   = "save_background"
	EventUpdateBackground = "update_background"
	EventEndSession       = "end_session"
)

// Events pushed by the server.
const (
	EventConnected         = "connected"
	EventSessionStarted    = "session_started"
	EventFrameProcessed    = "frame_processed"
	EventBackgroundSaved   = "background_saved"
	EventBackgroundUpdated = "background_updated"
	EventError             = "error"
)
