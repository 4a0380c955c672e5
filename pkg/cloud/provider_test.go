package cloud

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/godo"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

type nopProvider struct{}

func (nopProvider) ListNodes(context.Context, string) ([]core.Node, error) { return nil, nil }
func (nopProvider) CreateNode(context.Context, NodeSpec) (core.Node, error) {
	return core.Node{}, nil
}
func (nopProvider) DeleteNode(context.Context, string) error                      { return nil }
func (nopProvider) PutLoadBalancer(context.Context, core.LoadBalancerConfig) error { return nil }

func TestRegistry(t *testing.T) {
	for _, name := range []string{ProviderDigitalOcean, ProviderAWS, ProviderGCE} {
		if !IsRegistered(name) {
			t.Errorf("provider %q not registered", name)
		}
	}

	RegisterProvider("test-provider", func(context.Context, Options) (Provider, error) {
		return nopProvider{}, nil
	})
	p, err := NewProvider(context.Background(), "test-provider", Options{})
	if err != nil {
		t.Fatalf("NewProvider returned error: %v", err)
	}
	if _, ok := p.(nopProvider); !ok {
		t.Errorf("NewProvider returned %T, want nopProvider", p)
	}
}

func TestNewProvider_UnknownProvider(t *testing.T) {
	if _, err := NewProvider(context.Background(), "non-existent-provider", Options{}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestNewDOProvider_RequiresToken(t *testing.T) {
	_, err := NewProvider(context.Background(), ProviderDigitalOcean, Options{})
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewGCEProvider_RequiresProjectAndZone(t *testing.T) {
	if _, err := NewProvider(context.Background(), ProviderGCE, Options{Credential: "tok"}); err == nil {
		t.Fatalf("expected error without project/zone")
	}
}

func TestSortByCreation(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	nodes := []core.Node{
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
	}
	sortByCreation(nodes)

	var got []string
	for _, n := range nodes {
		got = append(got, n.ID)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("sortByCreation order = %v, want %v", got, want)
	}
}

func TestDropletToNode(t *testing.T) {
	d := &godo.Droplet{
		ID:      42,
		Name:    "cue-node",
		Created: "2025-01-01T10:00:00Z",
		Networks: &godo.Networks{V4: []godo.NetworkV4{
			{IPAddress: "10.10.0.5", Type: "private"},
			{IPAddress: "203.0.113.7", Type: "public"},
		}},
	}

	n := dropletToNode(d)
	if n.ID != "42" || n.Name != "cue-node" {
		t.Errorf("unexpected id/name: %+v", n)
	}
	if n.Address != "203.0.113.7" {
		t.Errorf("Address = %q, want public address", n.Address)
	}
	if n.CreatedAt.IsZero() {
		t.Errorf("CreatedAt not parsed")
	}

	bare := dropletToNode(&godo.Droplet{ID: 7})
	if bare.Address != "" {
		t.Errorf("droplet without networks got address %q", bare.Address)
	}
}

func TestDropletImageAndKeys(t *testing.T) {
	if img := dropletImage("46011811"); img.ID != 46011811 || img.Slug != "" {
		t.Errorf("numeric image = %+v", img)
	}
	if img := dropletImage("ubuntu-24-04-x64"); img.Slug != "ubuntu-24-04-x64" || img.ID != 0 {
		t.Errorf("slug image = %+v", img)
	}

	keys := dropletSSHKeys([]string{"20298220", "3b:16:bf:e4"})
	if len(keys) != 2 || keys[0].ID != 20298220 || keys[1].Fingerprint != "3b:16:bf:e4" {
		t.Errorf("dropletSSHKeys = %+v", keys)
	}
}
