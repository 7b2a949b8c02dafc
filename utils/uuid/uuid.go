// Package uuid generates the ids of invocations,
// transactions and temporary stores
package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID returns a random (version 4) UUID string
func MustUUID() string {
	return google_uuid.New().String()
}

// Valid reports whether s parses as a UUID
func Valid(s string) bool {
	_, err := google_uuid.Parse(s)

	return err == nil
}
