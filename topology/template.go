package topology

import (
	"fmt"
	"strings"
)

// The metadata source reports cluster-internal host IDs, not connectable
// addresses. The host pattern turns one into the other, e.g. the pattern
// "?.cluster-cabc123.us-east-1.rds.example.com" resolves the host ID
// "instance-2" to "instance-2.cluster-cabc123.us-east-1.rds.example.com".

// ValidatePattern checks that pattern contains exactly one '?' placeholder.
func ValidatePattern(pattern string) error {
	switch strings.Count(pattern, "?") {
	case 0:
		return fmt.Errorf("host pattern %q is missing the '?' placeholder", pattern)
	case 1:
		return nil
	default:
		return fmt.Errorf("host pattern %q must contain exactly one '?' placeholder", pattern)
	}
}

// ResolveEndpoint substitutes hostID into pattern. It is a pure function:
// the same inputs always yield the same endpoint.
func ResolveEndpoint(pattern, hostID string) (string, error) {
	if hostID == "" {
		return "", fmt.Errorf("host ID must not be empty")
	}
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	return strings.Replace(pattern, "?", hostID, 1), nil
}
