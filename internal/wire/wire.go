// Package wire holds the JSON payloads exchanged over the realtime channel
// and their mapping onto presence records. Inbound fields are pointers where
// the server may omit them; an omitted field must never clobber known state.
package wire

import (
	"encoding/json"
	"fmt"

	"renat/internal/presence"
)

// Channel and destination names, mirroring the server's STOMP-style routing.
const (
	// SnapshotQueue delivers a full presence listing addressed to this user.
	SnapshotQueue = "/user/queue/presence"
	// DeltaTopic broadcasts single-user presence changes and leave events.
	DeltaTopic = "/topic/all"

	DestConnect     = "/app/connect"
	DestUpdate      = "/app/update"
	DestPing        = "/app/ping"
	DestSnapshotReq = "/app/presence/snapshot"
)

// EventLeave marks a delta that removes a user.
const EventLeave = "LEAVE"

// SnapshotEntry is one element of the snapshot array.
type SnapshotEntry struct {
	UserCode    string  `json:"userCode"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Status      string  `json:"status,omitempty"`
	LastPingRTT int64   `json:"lastPingRtt,omitempty"`
	Working     *bool   `json:"working,omitempty"`
}

// Delta is a single-user change, or a leave event when Type is EventLeave.
type Delta struct {
	Type        string   `json:"type,omitempty"`
	UserCode    string   `json:"userCode"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	Status      *string  `json:"status,omitempty"`
	LastPingRTT *int64   `json:"lastPingRtt,omitempty"`
	Working     *bool    `json:"working,omitempty"`
}

func (d Delta) IsLeave() bool {
	return d.Type == EventLeave
}

// ConnectEvent announces this device after the channel opens.
type ConnectEvent struct {
	UserCode string  `json:"userCode"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// UpdateEvent carries one accepted location sample.
type UpdateEvent struct {
	UserCode string  `json:"userCode"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// PingEvent is the application-level heartbeat; the server answers with a
// delta carrying the measured round trip.
type PingEvent struct {
	UserCode   string `json:"userCode"`
	ClientTime int64  `json:"clientTime"`
}

// ParseSnapshot decodes a snapshot frame into presence records. The working
// flag falls back to the WORKING status when the server omits it.
func ParseSnapshot(body []byte) ([]presence.Record, error) {
	var entries []SnapshotEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}

	records := make([]presence.Record, 0, len(entries))
	for _, e := range entries {
		status := presence.Status(e.Status)
		if e.Status == "" {
			status = presence.StatusOnline
		}
		working := status == presence.StatusWorking
		if e.Working != nil {
			working = *e.Working || working
		}
		records = append(records, presence.Record{
			UserCode:    e.UserCode,
			Lat:         e.Lat,
			Lng:         e.Lng,
			HasPosition: true,
			Status:      status,
			RTTMillis:   e.LastPingRTT,
			Working:     working,
		})
	}
	return records, nil
}

// ParseDelta decodes a delta frame.
func ParseDelta(body []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(body, &d); err != nil {
		return Delta{}, fmt.Errorf("delta decode: %w", err)
	}
	return d, nil
}

// Update converts the delta's optional fields into a store update.
// Position is dropped when withPosition is false (the self-echo case).
func (d Delta) Update(withPosition bool) presence.Update {
	u := presence.Update{
		RTTMillis: d.LastPingRTT,
		Working:   d.Working,
	}
	if d.Status != nil {
		u.Status = presence.StatusOf(presence.Status(*d.Status))
	}
	if withPosition {
		u.Lat = d.Lat
		u.Lng = d.Lng
	}
	return u
}
