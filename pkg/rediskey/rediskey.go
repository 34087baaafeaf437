package rediskey

import "fmt"

// Domain keys (shared convention between the dispatcher and ops tooling)
const DomainHealthPrefix = "domain:health"

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDomainHealthKey returns "domain:health:{host}"
func BuildDomainHealthKey(host string) string {
	return NamespaceKey(DomainHealthPrefix, host)
}
