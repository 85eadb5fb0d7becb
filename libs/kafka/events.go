package kafka

import (
	"strings"

	"github.com/google/uuid"
)

// DeterministicEventID derives a stable UUID from the given parts so that
// retried publishes of the same logical event carry the same identifier.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}
