package threatintel

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrInvalidIOC = errors.New("invalid ioc")

func SupportedTypes() []string {
	return []string{TypeIP, TypeDomain, TypeSHA256}
}

// NormalizeIOC validates value for iocType and returns its canonical form.
func NormalizeIOC(iocType, value string) (string, string, error) {
	t := strings.ToLower(strings.TrimSpace(iocType))
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "", "", fmt.Errorf("%w: empty value", ErrInvalidIOC)
	}
	switch t {
	case TypeIP:
		ip := net.ParseIP(v)
		if ip == nil {
			return "", "", fmt.Errorf("%w: %q is not an ip address", ErrInvalidIOC, value)
		}
		return t, ip.String(), nil
	case TypeDomain:
		v = strings.TrimSuffix(v, ".")
		if !strings.Contains(v, ".") || strings.ContainsAny(v, " /:@") || !domainRe.MatchString(v) {
			return "", "", fmt.Errorf("%w: %q is not a domain", ErrInvalidIOC, value)
		}
		return t, v, nil
	case TypeSHA256:
		if len(v) != 64 || !sha256Re.MatchString(v) {
			return "", "", fmt.Errorf("%w: sha256 must be 64 hex characters", ErrInvalidIOC)
		}
		return t, v, nil
	}
	return "", "", fmt.Errorf("%w: unsupported type %q", ErrInvalidIOC, iocType)
}
