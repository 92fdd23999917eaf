package lease

import (
	"crypto/rand"
	"fmt"
	"time"
)

// RecoveredToken is the sentinel written by the cold-start guard. It is
// accepted by renew only while the campaign is still blocking.
const RecoveredToken = "recovered"

// newToken creates a random opaque lease token.
func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tok-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
