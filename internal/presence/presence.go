package presence

// Status is the server-reported availability of a user, independent of the
// state of our own socket.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusWorking Status = "WORKING"
)

// ConnState is the coarse state of the realtime channel, rendered by the UI
// as a connectivity banner.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// Record is the live presence of one user as known to this client.
type Record struct {
	UserCode string  `json:"userCode"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	// HasPosition is false until the first coordinate arrives for this user.
	HasPosition bool   `json:"hasPosition"`
	Status      Status `json:"status"`
	RTTMillis   int64  `json:"rttMillis"`
	Working     bool   `json:"working"`
}

// Update is a partial write against a Record. Nil fields are "not supplied"
// and leave the previous value untouched, so applying updates is
// order-independent per field.
type Update struct {
	Lat       *float64
	Lng       *float64
	Status    *Status
	RTTMillis *int64
	Working   *bool
}

// Float returns a pointer to v, for building Updates inline.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// StatusOf returns a pointer to s.
func StatusOf(s Status) *Status { return &s }

// merge folds an Update into a Record. Position is taken only when both
// coordinates are supplied; a half-supplied position is ignored rather than
// producing a point on a meridian we never visited.
func merge(r Record, u Update) Record {
	if u.Lat != nil && u.Lng != nil {
		r.Lat = *u.Lat
		r.Lng = *u.Lng
		r.HasPosition = true
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.RTTMillis != nil {
		r.RTTMillis = *u.RTTMillis
	}
	switch {
	case u.Working != nil:
		r.Working = *u.Working
	case u.Status != nil:
		r.Working = *u.Status == StatusWorking
	}
	return r
}
