package domain

// RoomKind distinguishes the three channel flavors the gateway relays.
type RoomKind string

const (
	KindEdit  RoomKind = "edit"
	KindChat  RoomKind = "chat"
	KindVideo RoomKind = "video"
)

func (k RoomKind) Valid() bool {
	switch k {
	case KindEdit, KindChat, KindVideo:
		return true
	}
	return false
}

// RoomKey names a logical channel. A room has no persistent entity behind
// it; it exists while at least one member is present.
type RoomKey struct {
	Kind RoomKind `json:"kind"`
	ID   string   `json:"id"`
}

func (k RoomKey) String() string { return string(k.Kind) + ":" + k.ID }
