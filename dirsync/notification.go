package dirsync

import (
	"encoding/json"
)

// ChangeNotification is one decoded group-membership change pushed by the
// identity provider. Immutable once parsed.
type ChangeNotification struct {
	ClientState string
	ResourceID  string
	MemberDelta []MemberDeltaEntry
}

// MemberDeltaEntry is one member's add or remove event within a
// notification. Removed reports that the member left the group.
type MemberDeltaEntry struct {
	MemberID string
	Removed  bool
}

// Wire shapes of the provider's notification envelope. Anything that does
// not decode into these is rejected before it reaches the engine.
type notificationEnvelope struct {
	Value []notificationItem `json:"value"`
}

type notificationItem struct {
	ClientState  string        `json:"clientState"`
	ResourceData *resourceData `json:"resourceData"`
}

type resourceData struct {
	ID           string            `json:"id"`
	MembersDelta []memberDeltaItem `json:"members@delta"`
}

type memberDeltaItem struct {
	ID      string          `json:"id"`
	Removed json.RawMessage `json:"@removed"`
}

// ParseNotification decodes a raw webhook body into a ChangeNotification.
//
// Only the first element of the provider's batch array is decoded. The
// provider sends one entry per delivery for a single-group subscription;
// any further entries are dropped (see DESIGN.md).
//
// An absent or null members@delta yields an empty MemberDelta, meaning
// there is nothing to reconcile.
func ParseNotification(body []byte) (n *ChangeNotification, err error) {
	var envelope notificationEnvelope
	if err = json.Unmarshal(body, &envelope); err != nil {
		err = &MalformedPayloadError{Reason: "body is not valid JSON", Err: err}
		return
	}
	if len(envelope.Value) == 0 {
		err = &MalformedPayloadError{Reason: "missing or empty \"value\" array"}
		return
	}

	var item = envelope.Value[0]
	n = &ChangeNotification{ClientState: item.ClientState}
	if item.ResourceData == nil {
		return
	}
	n.ResourceID = item.ResourceData.ID
	for _, entry := range item.ResourceData.MembersDelta {
		if len(entry.ID) == 0 {
			continue
		}
		n.MemberDelta = append(n.MemberDelta, MemberDeltaEntry{
			MemberID: entry.ID,
			Removed:  len(entry.Removed) > 0 && string(entry.Removed) != "null",
		})
	}
	return
}
