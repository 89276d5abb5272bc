package storage

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// BuildKey returns a storage key namespaced by user:
//
//	<userID>/<32 hex chars>_<filename>
//
// The hex part is a random UUID, so concurrent uploads of the same filename
// never collide. filename is used verbatim.
func BuildKey(userID, filename string) string {
	id := uuid.New()
	return userID + "/" + hex.EncodeToString(id[:]) + "_" + filename
}

// UserPrefix is the listing prefix that holds every key built for userID.
func UserPrefix(userID string) string {
	return userID + "/"
}

// URLResolver builds publicly reachable object URLs.
type URLResolver struct {
	Base   string // e.g. "http://localhost:8333", no trailing slash
	Bucket string
}

// PublicURL returns <Base>/<Bucket>/<key>. The key is not escaped.
func (u URLResolver) PublicURL(key string) string {
	return u.Base + "/" + u.Bucket + "/" + key
}
