package campaign

import "time"

// Status содержит снимок состояния для удаленной телеметрии.
type Status struct {
	Session          string    `json:"session"`
	Mode             string    `json:"mode"`
	State            string    `json:"state"`
	Started          time.Time `json:"started"`
	Position         string    `json:"position,omitempty"`
	Sent             uint64    `json:"sent"`
	Received         uint64    `json:"received"`
	Total            int       `json:"total"`
	Remaining        int       `json:"remaining"`
	Frames           uint64    `json:"frames"`
	CaptureErrors    uint64    `json:"capture_errors"`
	VisionActive     bool      `json:"vision_active"`
	Triggers         uint64    `json:"triggers"`
	Recordings       uint64    `json:"recordings"`
	Recording        bool      `json:"recording"`
	RecordingEnabled bool      `json:"recording_enabled"`
}

// Status возвращает текущее состояние прогона.
func (c *Campaign) Status() Status {
	c.mu.Lock()
	st := Status{
		Session: c.opts.Session,
		Mode:    string(c.opts.Mode),
		State:   c.state,
		Started: c.started,
	}
	c.mu.Unlock()

	if pos := c.lastPos.Load(); pos != nil {
		st.Position = pos.String()
	}
	st.Sent = c.sent.Load()
	st.Received = c.received.Load()
	st.Total = c.opts.Plan.Total()
	st.Remaining = max(c.planned-int(st.Sent), 0)
	st.Frames = c.frames.Load()
	st.CaptureErrors = c.captureErrors.Load()
	st.VisionActive = c.visionActive.Load()
	st.Triggers = c.deps.Correlator.Triggers()
	st.Recordings = c.deps.Correlator.Recordings()
	_, st.Recording = c.deps.Correlator.Recording()
	st.RecordingEnabled = c.deps.Correlator.RecordingEnabled()
	return st
}
