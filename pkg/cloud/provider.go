package cloud

import (
	"context"
	"fmt"
	"sort"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// Provider is the slice of a cloud API the control loop needs.
type Provider interface {
	// ListNodes returns the fleet members carrying tag, oldest first.
	ListNodes(ctx context.Context, tag string) ([]core.Node, error)
	CreateNode(ctx context.Context, spec NodeSpec) (core.Node, error)
	DeleteNode(ctx context.Context, id string) error
	// PutLoadBalancer replaces the load balancer so that its membership
	// equals cfg.MemberIDs.
	PutLoadBalancer(ctx context.Context, cfg core.LoadBalancerConfig) error
}

// ProviderFactory creates a new Provider instance.
type ProviderFactory func(ctx context.Context, opts Options) (Provider, error)

// Provider names accepted by the cloud.provider setting.
const (
	ProviderDigitalOcean = "digitalocean"
	ProviderAWS          = "aws"
	ProviderGCE          = "gce"
)

var providerRegistry = map[string]ProviderFactory{}

// RegisterProvider registers a provider factory under the given name.
// It is typically called from init() functions in provider-specific files.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// IsRegistered reports whether a provider factory exists for name.
func IsRegistered(name string) bool {
	_, ok := providerRegistry[name]
	return ok
}

// NewProvider builds the named provider.
func NewProvider(ctx context.Context, name string, opts Options) (Provider, error) {
	factory, ok := providerRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown cloud provider %q", name)
	}
	return factory(ctx, opts)
}

// sortByCreation orders nodes oldest first, keeping API order for ties.
func sortByCreation(nodes []core.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}
