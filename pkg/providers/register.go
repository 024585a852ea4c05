// Package providers wires the built-in backends into an engine.Registry.
package providers

import (
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/apt"
	"github.com/openfroyo/converge/pkg/providers/dnf"
	"github.com/openfroyo/converge/pkg/providers/group"
	"github.com/openfroyo/converge/pkg/providers/service"
)

// RegisterAll adds every built-in provider to r.
func RegisterAll(r *engine.Registry) {
	r.RegisterPackage(dnf.Name, 10,
		engine.MatchFamily("fedora", "rhel", "centos", "rocky", "almalinux", "amzn"), dnf.Factory)
	r.RegisterPackage(apt.Name, 10, engine.MatchFamily("debian", "ubuntu"), apt.Factory)

	r.RegisterGroup(group.GroupmodName, 10, engine.MatchOS("linux"), group.GroupmodFactory)
	r.RegisterGroup(group.DsclName, 10, engine.MatchOS("darwin"), group.DsclFactory)

	r.RegisterService(service.SystemdName, 10, engine.MatchOS("linux"), service.SystemdFactory)
	r.RegisterService(service.RcctlName, 10, engine.MatchOS("openbsd"), service.RcctlFactory)
}

// NewRegistry returns a registry with every built-in provider.
func NewRegistry() *engine.Registry {
	r := engine.NewRegistry()
	RegisterAll(r)
	return r
}
