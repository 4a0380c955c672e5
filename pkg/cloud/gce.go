package cloud

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// fleetLabel is the GCE label whose value names the fleet.
const fleetLabel = "nodescaler-fleet"

// gceProvider implements Provider for GCE instances behind a target pool.
// Instance names are used as node ids; the load balancer id is the target
// pool name.
type gceProvider struct {
	instances *compute.InstancesClient
	pools     *compute.TargetPoolsClient
	project   string
	zone      string
	region    string
}

func newGCEProvider(ctx context.Context, opts Options) (Provider, error) {
	if opts.GCEProject == "" || opts.GCEZone == "" {
		return nil, errors.New("gce: project and zone are required")
	}

	var clientOpts []option.ClientOption
	if opts.Credential != "" {
		clientOpts = append(clientOpts, option.WithTokenSource(
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Credential})))
	}

	instances, err := compute.NewInstancesRESTClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCE instances client: %w", err)
	}
	pools, err := compute.NewTargetPoolsRESTClient(ctx, clientOpts...)
	if err != nil {
		_ = instances.Close()
		return nil, fmt.Errorf("failed to create GCE target pools client: %w", err)
	}

	return &gceProvider{
		instances: instances,
		pools:     pools,
		project:   opts.GCEProject,
		zone:      opts.GCEZone,
		region:    opts.Region,
	}, nil
}

// ListNodes returns every instance in the zone labelled with the fleet tag.
func (p *gceProvider) ListNodes(ctx context.Context, tag string) ([]core.Node, error) {
	filter := fmt.Sprintf("labels.%s = %q", fleetLabel, tag)
	it := p.instances.List(ctx, &computepb.ListInstancesRequest{
		Project: p.project,
		Zone:    p.zone,
		Filter:  &filter,
	})

	var nodes []core.Node
	for {
		instance, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list GCE instances labelled %q: %w", tag, err)
		}
		switch instance.GetStatus() {
		case "STOPPING", "SUSPENDING", "TERMINATED", "SUSPENDED":
			continue
		}
		nodes = append(nodes, gceInstanceToNode(instance))
	}
	sortByCreation(nodes)
	return nodes, nil
}

// CreateNode inserts an instance and waits for the insert operation.
func (p *gceProvider) CreateNode(ctx context.Context, spec NodeSpec) (core.Node, error) {
	var (
		boot        = true
		machineType = fmt.Sprintf("zones/%s/machineTypes/%s", p.zone, spec.Size)
		network     = "global/networks/default"
		natName     = "External NAT"
		scriptKey   = "startup-script"
		script      = spec.BootstrapScript
		image       = spec.Image
		name        = spec.Name
	)

	req := &computepb.InsertInstanceRequest{
		Project: p.project,
		Zone:    p.zone,
		InstanceResource: &computepb.Instance{
			Name:        &name,
			MachineType: &machineType,
			Labels:      map[string]string{fleetLabel: spec.Tag},
			Disks: []*computepb.AttachedDisk{{
				Boot:       &boot,
				AutoDelete: &boot,
				InitializeParams: &computepb.AttachedDiskInitializeParams{
					SourceImage: &image,
				},
			}},
			NetworkInterfaces: []*computepb.NetworkInterface{{
				Network:       &network,
				AccessConfigs: []*computepb.AccessConfig{{Name: &natName}},
			}},
			Metadata: &computepb.Metadata{
				Items: []*computepb.Items{{Key: &scriptKey, Value: &script}},
			},
		},
	}

	op, err := p.instances.Insert(ctx, req)
	if err != nil {
		return core.Node{}, fmt.Errorf("insert GCE instance %s: %w", name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return core.Node{}, fmt.Errorf("wait for GCE instance %s: %w", name, err)
	}
	return core.Node{ID: name, Name: name, CreatedAt: time.Now()}, nil
}

// DeleteNode deletes the named instance without waiting for completion.
func (p *gceProvider) DeleteNode(ctx context.Context, id string) error {
	_, err := p.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.project,
		Zone:     p.zone,
		Instance: id,
	})
	if err != nil {
		return fmt.Errorf("delete GCE instance %s: %w", id, err)
	}
	return nil
}

// PutLoadBalancer makes the target pool membership equal cfg.MemberIDs.
func (p *gceProvider) PutLoadBalancer(ctx context.Context, cfg core.LoadBalancerConfig) error {
	region := cfg.Region
	if region == "" {
		region = p.region
	}

	pool, err := p.pools.Get(ctx, &computepb.GetTargetPoolRequest{
		Project:    p.project,
		Region:     region,
		TargetPool: cfg.ID,
	})
	if err != nil {
		return fmt.Errorf("get target pool %s: %w", cfg.ID, err)
	}

	current := sets.New[string]()
	for _, url := range pool.GetInstances() {
		current.Insert(path.Base(url))
	}
	desired := sets.New(cfg.MemberIDs...)

	var errs []error
	if add := sets.List(desired.Difference(current)); len(add) > 0 {
		_, err := p.pools.AddInstance(ctx, &computepb.AddInstanceTargetPoolRequest{
			Project:    p.project,
			Region:     region,
			TargetPool: cfg.ID,
			TargetPoolsAddInstanceRequestResource: &computepb.TargetPoolsAddInstanceRequest{
				Instances: p.instanceRefs(add),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("add %v to target pool %s: %w", add, cfg.ID, err))
		}
	}
	if remove := sets.List(current.Difference(desired)); len(remove) > 0 {
		_, err := p.pools.RemoveInstance(ctx, &computepb.RemoveInstanceTargetPoolRequest{
			Project:    p.project,
			Region:     region,
			TargetPool: cfg.ID,
			TargetPoolsRemoveInstanceRequestResource: &computepb.TargetPoolsRemoveInstanceRequest{
				Instances: p.instanceRefs(remove),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %v from target pool %s: %w", remove, cfg.ID, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (p *gceProvider) instanceRefs(names []string) []*computepb.InstanceReference {
	refs := make([]*computepb.InstanceReference, 0, len(names))
	for _, name := range names {
		url := fmt.Sprintf("projects/%s/zones/%s/instances/%s", p.project, p.zone, name)
		refs = append(refs, &computepb.InstanceReference{Instance: &url})
	}
	return refs
}

func gceInstanceToNode(instance *computepb.Instance) core.Node {
	n := core.Node{
		ID:   instance.GetName(),
		Name: instance.GetName(),
	}

	// Prefer the external NAT address, fall back to the internal one.
	for _, ni := range instance.GetNetworkInterfaces() {
		for _, ac := range ni.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" && n.Address == "" {
				n.Address = ip
			}
		}
	}
	if n.Address == "" {
		for _, ni := range instance.GetNetworkInterfaces() {
			if ip := ni.GetNetworkIP(); ip != "" {
				n.Address = ip
				break
			}
		}
	}

	if ts := instance.GetCreationTimestamp(); ts != "" {
		created, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			log.Debugf("unparseable GCE creation timestamp %q: %v", ts, err)
		} else {
			n.CreatedAt = created
		}
	}
	return n
}

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	RegisterProvider(ProviderGCE, newGCEProvider)
}
