package usage

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxContainerLen = 63
	maxBlobLen      = 1024
	maxUserLen      = 256
)

// ValidateContainer checks a container (bucket) name.
func ValidateContainer(container string) error {
	if strings.TrimSpace(container) == "" {
		return fmt.Errorf("container is required: %w", ErrInvalidInput)
	}
	if len(container) > maxContainerLen {
		return fmt.Errorf("container longer than %d bytes: %w", maxContainerLen, ErrInvalidInput)
	}
	if strings.Contains(container, "/") || hasControl(container) {
		return fmt.Errorf("container %q contains invalid characters: %w", container, ErrInvalidInput)
	}
	return nil
}

// ValidateBlob checks an object path.
func ValidateBlob(blob string) error {
	if strings.TrimSpace(blob) == "" {
		return fmt.Errorf("blob is required: %w", ErrInvalidInput)
	}
	if len(blob) > maxBlobLen {
		return fmt.Errorf("blob longer than %d bytes: %w", maxBlobLen, ErrInvalidInput)
	}
	if hasControl(blob) {
		return fmt.Errorf("blob contains control characters: %w", ErrInvalidInput)
	}
	return nil
}

// ValidateEvent checks every identifier of an access fact.
func ValidateEvent(container, blob, userID string) error {
	if err := ValidateContainer(container); err != nil {
		return err
	}
	if err := ValidateBlob(blob); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user is required: %w", ErrInvalidInput)
	}
	if len(userID) > maxUserLen || hasControl(userID) {
		return fmt.Errorf("user %q is malformed: %w", userID, ErrInvalidInput)
	}
	return nil
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
