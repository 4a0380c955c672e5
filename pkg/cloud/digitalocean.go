package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/digitalocean/godo"
	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

const doPageSize = 200

// doProvider implements Provider for DigitalOcean droplets and load balancers.
type doProvider struct {
	client *godo.Client
	region string
}

func newDOProvider(_ context.Context, opts Options) (Provider, error) {
	if opts.Credential == "" {
		return nil, errors.New("digitalocean: missing API token")
	}
	return &doProvider{
		client: godo.NewFromToken(opts.Credential),
		region: opts.Region,
	}, nil
}

// ListNodes pages through every droplet carrying tag.
func (p *doProvider) ListNodes(ctx context.Context, tag string) ([]core.Node, error) {
	var nodes []core.Node
	opt := &godo.ListOptions{Page: 1, PerPage: doPageSize}
	for {
		droplets, resp, err := p.client.Droplets.ListByTag(ctx, tag, opt)
		if err != nil {
			return nil, fmt.Errorf("list droplets tagged %q: %w", tag, doError(err))
		}
		for i := range droplets {
			nodes = append(nodes, dropletToNode(&droplets[i]))
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("list droplets: bad pagination: %w", err)
		}
		opt.Page = page + 1
	}
	sortByCreation(nodes)
	return nodes, nil
}

// CreateNode requests a single droplet.
func (p *doProvider) CreateNode(ctx context.Context, spec NodeSpec) (core.Node, error) {
	region := spec.Region
	if region == "" {
		region = p.region
	}
	req := &godo.DropletCreateRequest{
		Name:     spec.Name,
		Region:   region,
		Size:     spec.Size,
		Image:    dropletImage(spec.Image),
		SSHKeys:  dropletSSHKeys(spec.SSHKeys),
		UserData: spec.BootstrapScript,
		Tags:     []string{spec.Tag},
	}

	droplet, _, err := p.client.Droplets.Create(ctx, req)
	if err != nil {
		return core.Node{}, fmt.Errorf("create droplet %s: %w", spec.Name, doError(err))
	}
	return dropletToNode(droplet), nil
}

// DeleteNode destroys a droplet by its numeric id.
func (p *doProvider) DeleteNode(ctx context.Context, id string) error {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid droplet id %q: %w", id, err)
	}
	if _, err := p.client.Droplets.Delete(ctx, dropletID); err != nil {
		return fmt.Errorf("delete droplet %s: %w", id, doError(err))
	}
	return nil
}

// PutLoadBalancer replaces the whole load balancer object, membership included.
func (p *doProvider) PutLoadBalancer(ctx context.Context, cfg core.LoadBalancerConfig) error {
	ids := make([]int, 0, len(cfg.MemberIDs))
	for _, id := range cfg.MemberIDs {
		n, err := strconv.Atoi(id)
		if err != nil {
			return fmt.Errorf("invalid droplet id %q: %w", id, err)
		}
		ids = append(ids, n)
	}

	fr := cfg.ForwardingRule
	hc := cfg.HealthCheck
	req := &godo.LoadBalancerRequest{
		Name:      cfg.Name,
		Region:    cfg.Region,
		Algorithm: cfg.Algorithm,
		ForwardingRules: []godo.ForwardingRule{{
			EntryProtocol:  fr.EntryProtocol,
			EntryPort:      fr.EntryPort,
			TargetProtocol: fr.TargetProtocol,
			TargetPort:     fr.TargetPort,
			CertificateID:  fr.CertificateID,
		}},
		HealthCheck: &godo.HealthCheck{
			Protocol:               hc.Protocol,
			Port:                   hc.Port,
			CheckIntervalSeconds:   int(hc.Interval / time.Second),
			ResponseTimeoutSeconds: int(hc.ResponseTimeout / time.Second),
			HealthyThreshold:       hc.HealthyThreshold,
			UnhealthyThreshold:     hc.UnhealthyThreshold,
		},
		StickySessions: &godo.StickySessions{Type: "none"},
		DropletIDs:     ids,
	}

	if _, _, err := p.client.LoadBalancers.Update(ctx, cfg.ID, req); err != nil {
		return fmt.Errorf("update load balancer %s: %w", cfg.ID, doError(err))
	}
	return nil
}

func dropletToNode(d *godo.Droplet) core.Node {
	n := core.Node{
		ID:   strconv.Itoa(d.ID),
		Name: d.Name,
	}
	if ip, err := d.PublicIPv4(); err == nil && ip != "" {
		n.Address = ip
	} else if ip, err := d.PrivateIPv4(); err == nil {
		n.Address = ip
	}
	if created, err := time.Parse(time.RFC3339, d.Created); err == nil {
		n.CreatedAt = created
	} else if d.Created != "" {
		log.Debugf("unparseable droplet creation time %q: %v", d.Created, err)
	}
	return n
}

// dropletImage accepts either a numeric image id or a slug.
func dropletImage(image string) godo.DropletCreateImage {
	if id, err := strconv.Atoi(image); err == nil {
		return godo.DropletCreateImage{ID: id}
	}
	return godo.DropletCreateImage{Slug: image}
}

// dropletSSHKeys accepts numeric key ids or fingerprints.
func dropletSSHKeys(keys []string) []godo.DropletCreateSSHKey {
	out := make([]godo.DropletCreateSSHKey, 0, len(keys))
	for _, k := range keys {
		if id, err := strconv.Atoi(k); err == nil {
			out = append(out, godo.DropletCreateSSHKey{ID: id})
			continue
		}
		out = append(out, godo.DropletCreateSSHKey{Fingerprint: k})
	}
	return out
}

func doError(err error) error {
	var er *godo.ErrorResponse
	if errors.As(err, &er) && er.RequestID != "" {
		return fmt.Errorf("request %s: %w", er.RequestID, err)
	}
	return err
}

// nolint:gochecknoinits // registration-style init keeps provider wiring local to this file.
func init() {
	RegisterProvider(ProviderDigitalOcean, newDOProvider)
}
