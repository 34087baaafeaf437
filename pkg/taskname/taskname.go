package taskname

const (
	// Application tasks
	ApplicationTerminal = "application:terminal"

	// Domain tasks
	DomainHealthChanged = "domain:health:changed"
)
