package instance

import "os"

// GetID returns the process instance identifier for log correlation across
// horizontally scaled deployments.
func GetID() string {
	if id := os.Getenv("CHECKOUT_INSTANCE_ID"); id != "" {
		return id
	}
	if id := os.Getenv("DYNO"); id != "" {
		return id
	}
	return "local"
}
