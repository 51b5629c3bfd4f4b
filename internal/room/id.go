package room

import (
	"errors"
	"strings"
)

const (
	separator = '-'
	escape    = '~'
)

// ErrInvalidRoomID is returned by Participants for ids that were not
// produced by DeriveRoomID.
var ErrInvalidRoomID = errors.New("room: invalid room id")

// DeriveRoomID returns the canonical room id shared by two participants. The
// ids are sorted before joining, so both sides compute the same value no
// matter who opens the conversation. Each id is escaped so that the only bare
// separator in the result is the one between them; "u1" and "u2" give
// "u1-u2", while UUIDs keep their dashes as "~-".
func DeriveRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return escapeID(a) + string(separator) + escapeID(b)
}

// Participants returns the two participant ids encoded in roomID, in sorted
// order. It is the inverse of DeriveRoomID.
func Participants(roomID string) (string, string, error) {
	var (
		parts [2]strings.Builder
		idx   int
		esc   bool
	)
	for _, r := range roomID {
		switch {
		case esc:
			if r != separator && r != escape {
				return "", "", ErrInvalidRoomID
			}
			parts[idx].WriteRune(r)
			esc = false
		case r == escape:
			esc = true
		case r == separator:
			if idx == 1 {
				return "", "", ErrInvalidRoomID
			}
			idx = 1
		default:
			parts[idx].WriteRune(r)
		}
	}
	if esc || idx != 1 {
		return "", "", ErrInvalidRoomID
	}

	a, b := parts[0].String(), parts[1].String()
	if a == "" || b == "" || b < a {
		return "", "", ErrInvalidRoomID
	}
	return a, b, nil
}

// IsParticipant reports whether userID is one of the two members of roomID.
func IsParticipant(roomID, userID string) bool {
	a, b, err := Participants(roomID)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

func escapeID(id string) string {
	if !strings.ContainsAny(id, string([]rune{separator, escape})) {
		return id
	}
	var sb strings.Builder
	sb.Grow(len(id) + 4)
	for _, r := range id {
		if r == separator || r == escape {
			sb.WriteRune(escape)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
