package jobs

import "regexp"

var ipv4Pattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// reservedServiceNames are never valid cache-service scopes, even
// though they sometimes leak into logs as a client identifier.
var reservedServiceNames = map[string]bool{
	"localhost":  true,
	"ip-address": true,
}

// ValidServiceName rejects raw IPv4 strings and reserved sentinel
// names from service-scoped operations.
func ValidServiceName(name string) bool {
	if name == "" || name == "all" {
		return true
	}
	if reservedServiceNames[name] {
		return false
	}
	return !ipv4Pattern.MatchString(name)
}
