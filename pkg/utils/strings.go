package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateRandomString generates a random string of the specified length
func GenerateRandomString(length int) string {
	bytes := make([]byte, (length+1)/2)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a simple timestamp-based string if crypto/rand fails
		return fmt.Sprintf("%d", length)
	}
	return hex.EncodeToString(bytes)[:length]
}
