package execconfig

import (
	"path"
	"path/filepath"
)

// PathSpecification describes one bind mount from the host into a container.
type PathSpecification struct {
	Host      string
	Container string
	ReadWrite bool
}

// NewPathSpecification cleans both paths so that equal mounts compare equal.
func NewPathSpecification(host, container string, readWrite bool) PathSpecification {
	return PathSpecification{
		Host:      filepath.Clean(host),
		Container: path.Clean(container),
		ReadWrite: readWrite,
	}
}

// BindString renders the mount in the runtime's host:container[:ro] form.
func (p PathSpecification) BindString() string {
	bind := p.Host + ":" + p.Container
	if !p.ReadWrite {
		bind += ":ro"
	}
	return bind
}
