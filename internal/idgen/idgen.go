// Package idgen generates opaque server-side identifiers for tasks,
// workers, and claim tokens.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid using an alphanumeric alphabet.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// GenerateWithPrefix returns a prefixed nanoid, e.g. "task_" + 32 chars.
func GenerateWithPrefix(prefix string) string {
	return prefix + Generate()
}
