package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Port bounds for stratum targets.
const (
	minPort = 1
	maxPort = 65535
)

// ValidateIP checks that a string is a dotted-quad IPv4 address.
// Returns ErrInvalidIP otherwise.
func ValidateIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil || !strings.Contains(ip, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return nil
}

// ValidateSubnetPrefix checks that a string is a /24-style prefix of the
// form "192.168.1." (three octets, trailing dot). Returns
// ErrInvalidSubnetPrefix otherwise.
func ValidateSubnetPrefix(prefix string) error {
	if !strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("%w: %q (expected form \"192.168.1.\")", ErrInvalidSubnetPrefix, prefix)
	}

	octets := strings.Split(strings.TrimSuffix(prefix, "."), ".")
	if len(octets) != 3 {
		return fmt.Errorf("%w: %q (expected form \"192.168.1.\")", ErrInvalidSubnetPrefix, prefix)
	}

	for _, octet := range octets {
		n, err := strconv.Atoi(octet)
		if err != nil || octet != strconv.Itoa(n) || n < 0 || n > 255 {
			return fmt.Errorf("%w: %q (octet %q out of range)", ErrInvalidSubnetPrefix, prefix, octet)
		}
	}

	return nil
}

// ValidateSettings checks a {primary, fallback} stratum pair before it is
// dispatched. Both targets must be complete: a half-specified pair would
// brick a device's fallback path.
func ValidateSettings(s Settings) error {
	if err := validateStratum("primary", s.Primary); err != nil {
		return err
	}
	return validateStratum("fallback", s.Fallback)
}

func validateStratum(which string, s Stratum) error {
	if s.URL == "" {
		return fmt.Errorf("%w: %s url is required", ErrInvalidStratum, which)
	}
	if s.Port < minPort || s.Port > maxPort {
		return fmt.Errorf("%w: %s port %d out of range", ErrInvalidStratum, which, s.Port)
	}
	if s.User == "" {
		return fmt.Errorf("%w: %s user is required", ErrInvalidStratum, which)
	}
	return nil
}

// CompareIPs orders two dotted-quad addresses numerically, octet by octet.
// Returns a negative value if a sorts before b, zero if equal.
// Lexicographic string order would put "192.168.1.10" before "192.168.1.9".
func CompareIPs(a, b string) int {
	av := net.ParseIP(a).To4()
	bv := net.ParseIP(b).To4()

	// Unparseable addresses sort last, then by raw string for stability.
	switch {
	case av == nil && bv == nil:
		return strings.Compare(a, b)
	case av == nil:
		return 1
	case bv == nil:
		return -1
	}

	for i := range av {
		if av[i] != bv[i] {
			return int(av[i]) - int(bv[i])
		}
	}
	return 0
}
