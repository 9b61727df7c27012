package shared

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// shortID returns an 8-character nanoid using a lowercase alphanumeric
// alphabet, matching the `<8-char nanoid>` id shapes used throughout the
// scheduling layer (instance ids, task ids).
func shortID() string {
	id, err := gonanoid.Generate(idAlphabet, 8)
	if err != nil {
		// gonanoid.Generate only fails on a bad alphabet/length, both of
		// which are fixed above; a failure here means the build is broken.
		panic(fmt.Sprintf("shared: nanoid generation failed: %v", err))
	}
	return id
}

// NewInstanceID returns a `<modelId>:<8-char nanoid>` instance id.
func NewInstanceID(modelID string) string {
	return fmt.Sprintf("%s:%s", modelID, shortID())
}

// NewTaskID returns a `<instanceId>-<8-char nanoid>` task id.
func NewTaskID(instanceID string) string {
	return fmt.Sprintf("%s-%s", instanceID, shortID())
}
