/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package core contains the domain types, the scaling decision and the
// process-wide control state for nodescaler. Nothing in here talks to a
// cloud API or the network.
package core

import "time"

// NodeState is the lifecycle state of a fleet member.
type NodeState string

const (
	NodeProvisioning    NodeState = "Provisioning"
	NodeAwaitingAddress NodeState = "AwaitingAddress"
	NodeWarmingUp       NodeState = "WarmingUp"
	NodeHealthy         NodeState = "Healthy"
	NodeDead            NodeState = "Dead"
)

// Node is a single fleet member as reported by the cloud API.
type Node struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"address,omitempty"` // empty until the cloud API reports one
	State     NodeState `json:"state,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// HasAddress reports whether the node can be probed.
func (n Node) HasAddress() bool {
	return n.Address != ""
}

// FleetSnapshot is the ordered view of the fleet at one point in time.
type FleetSnapshot struct {
	Nodes     []Node    `json:"nodes"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Len returns the fleet size.
func (s FleetSnapshot) Len() int {
	return len(s.Nodes)
}

// Find returns the node with the given id.
func (s FleetSnapshot) Find(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// HealthyIDs returns the ids of every node except the one being created,
// in fleet order. An empty exclude keeps every node.
func (s FleetSnapshot) HealthyIDs(exclude string) []string {
	ids := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if exclude != "" && n.ID == exclude {
			continue
		}
		ids = append(ids, n.ID)
	}
	return ids
}

// WithStates returns a copy of the snapshot with each node's State derived
// from the in-flight creation id.
func (s FleetSnapshot) WithStates(inFlight string) FleetSnapshot {
	out := FleetSnapshot{FetchedAt: s.FetchedAt, Nodes: make([]Node, len(s.Nodes))}
	for i, n := range s.Nodes {
		switch {
		case inFlight != "" && n.ID == inFlight && !n.HasAddress():
			n.State = NodeAwaitingAddress
		case inFlight != "" && n.ID == inFlight:
			n.State = NodeWarmingUp
		default:
			n.State = NodeHealthy
		}
		out.Nodes[i] = n
	}
	return out
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	NodeID     string   `json:"nodeId"`
	Address    string   `json:"address,omitempty"`
	LoadMetric *float64 `json:"loadMetric,omitempty"`
	Failed     bool     `json:"failed"`
	Err        error    `json:"-"`
}

// ForwardingRule routes load balancer traffic to the fleet.
type ForwardingRule struct {
	EntryProtocol  string `json:"entry_protocol" mapstructure:"entry-protocol"`
	EntryPort      int    `json:"entry_port" mapstructure:"entry-port"`
	TargetProtocol string `json:"target_protocol" mapstructure:"target-protocol"`
	TargetPort     int    `json:"target_port" mapstructure:"target-port"`
	CertificateID  string `json:"certificate_id,omitempty" mapstructure:"certificate-id"`
}

// HealthCheck is the load balancer's own member check.
type HealthCheck struct {
	Protocol           string        `json:"protocol" mapstructure:"protocol"`
	Port               int           `json:"port" mapstructure:"port"`
	Interval           time.Duration `json:"check_interval" mapstructure:"interval"`
	ResponseTimeout    time.Duration `json:"response_timeout" mapstructure:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold" mapstructure:"healthy-threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" mapstructure:"unhealthy-threshold"`
}

// LoadBalancerConfig is the whole object pushed to the cloud API. Only
// MemberIDs changes between pushes.
type LoadBalancerConfig struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Region         string         `json:"region"`
	Algorithm      string         `json:"algorithm"`
	ForwardingRule ForwardingRule `json:"forwarding_rule"`
	HealthCheck    HealthCheck    `json:"health_check"`
	MemberIDs      []string       `json:"member_ids"`
}
