// Package version carries the service identity embedded in notes, audit
// sidecars and the health endpoint.
package version

const (
	// Service is the canonical service name.
	Service = "zammad-ticket-archiver"

	// Version is overridable at build time:
	//   go build -ldflags "-X .../internal/version.Version=1.2.3"
	Version = "1.4.0"
)
