package homie

import "fmt"

// Validates that an ID conforms to the Homie standard.
// Lowercase letters, digits and '-', and may not begin or end with '-'.
func validate(id string) error {
	if len(id) < 1 {
		return fmt.Errorf("%w: empty identifier", ErrInvalidID)
	}

	bytes := []byte(id)

	if bytes[0] == '-' {
		return fmt.Errorf("%w: %q may not begin with '-'", ErrInvalidID, id)
	}
	if bytes[len(bytes)-1] == '-' {
		return fmt.Errorf("%w: %q may not end with '-'", ErrInvalidID, id)
	}

	for _, b := range bytes {
		if (b < 'a' || b > 'z') &&
			(b < '0' || b > '9') &&
			b != '-' {
			return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidID, b, id)
		}
	}

	return nil
}
