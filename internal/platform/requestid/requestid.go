package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Or returns New, or a prefix-timestamp id when the random source fails.
func Or(prefix string) string {
	id, err := New()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return id
}
