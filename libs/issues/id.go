package issues

import (
	"errors"
	"strings"
)

// LocalPrefix marks the text form of IDs that belong to images analyzed in
// the current session and never persisted under their own id.
const LocalPrefix = "image-"

var ErrEmptyID = errors.New("issue id is empty")

// ID identifies an issue. It is either a persisted server id or a local id
// derived from an analyzed image name. The zero value is invalid.
type ID struct {
	local bool
	value string
}

// Persisted returns the ID of a record stored by the remote service.
func Persisted(serverID string) ID {
	return ID{value: serverID}
}

// Local returns the ID of an issue promoted from an analyzed image.
func Local(imageName string) ID {
	return ID{local: true, value: imageName}
}

func (id ID) IsLocal() bool { return id.local }

func (id ID) IsZero() bool { return id.value == "" }

// Value is the server id for persisted IDs and the image name for local ones.
func (id ID) Value() string { return id.value }

func (id ID) String() string {
	if id.local {
		return LocalPrefix + id.value
	}
	return id.value
}

// ParseID reverses String. Ids that only exist in text form, from the
// browser or from the remote service, go through it so that a server record
// saved under an analyzed image's id maps onto that same local id.
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, ErrEmptyID
	}
	if name, ok := strings.CutPrefix(raw, LocalPrefix); ok && name != "" {
		return Local(name), nil
	}
	return Persisted(raw), nil
}

// FromServer parses an id reported by the remote service. An empty id gives
// the zero ID.
func FromServer(raw string) ID {
	id, _ := ParseID(raw)
	return id
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
