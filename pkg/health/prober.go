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

// Package health probes fleet members over their authenticated health RPC.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

const maxResponseBytes = 1 << 20

// Signer mints the token carried by each probe.
type Signer interface {
	Sign() (string, error)
}

// Options configures a Prober.
type Options struct {
	Port    int
	Path    string
	Timeout time.Duration
	// MaxConcurrent bounds in-flight probes; zero means one per node.
	MaxConcurrent int
}

// Prober issues health RPCs against fleet members.
type Prober struct {
	client *http.Client
	signer Signer
	opts   Options
}

type healthRequest struct {
	JWT string `json:"jwt"`
}

type healthResponse struct {
	Error interface{} `json:"error,omitempty"`
	Usage *struct {
		CPU *float64 `json:"cpu"`
	} `json:"usage,omitempty"`
}

// NewProber creates a Prober. A nil client uses a dedicated http.Client.
func NewProber(client *http.Client, signer Signer, opts Options) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Path == "" {
		opts.Path = "/health"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Prober{client: client, signer: signer, opts: opts}
}

// ProbeAll probes every node with an address concurrently and returns once
// every probe has settled. Individual failures are reported in the results,
// never as an error.
func (p *Prober) ProbeAll(ctx context.Context, snap core.FleetSnapshot) []core.ProbeResult {
	targets := make([]core.Node, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.HasAddress() {
			targets = append(targets, n)
		}
	}

	results := make([]core.ProbeResult, len(targets))
	g, gCtx := errgroup.WithContext(ctx)
	if p.opts.MaxConcurrent > 0 {
		g.SetLimit(p.opts.MaxConcurrent)
	}
	for i := range targets {
		g.Go(func() error {
			results[i] = p.Probe(gCtx, targets[i])
			return nil // a failed probe never aborts the batch
		})
	}
	_ = g.Wait()

	return results
}

// Probe performs a single health RPC bounded by the configured timeout.
func (p *Prober) Probe(ctx context.Context, node core.Node) core.ProbeResult {
	res := core.ProbeResult{NodeID: node.ID, Address: node.Address}

	cpu, err := p.call(ctx, node.Address)
	if err != nil {
		res.Failed = true
		res.Err = &core.ProbeFailure{NodeID: node.ID, Address: node.Address, Err: err}
		log.WithFields(log.Fields{
			"event":   "probe_failed",
			"node":    node.ID,
			"address": node.Address,
		}).Debugf("health probe failed: %v", err)
		return res
	}
	res.LoadMetric = &cpu
	return res
}

func (p *Prober) call(ctx context.Context, address string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	token, err := p.signer.Sign()
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(healthRequest{JWT: token})
	if err != nil {
		return 0, fmt.Errorf("encode health request: %w", err)
	}

	url := "http://" + net.JoinHostPort(address, strconv.Itoa(p.opts.Port)) + p.opts.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var hr healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&hr); err != nil {
		return 0, fmt.Errorf("decode health response: %w", err)
	}
	if reported(hr.Error) {
		return 0, fmt.Errorf("node reported error: %v", hr.Error)
	}
	if hr.Usage == nil || hr.Usage.CPU == nil {
		return 0, fmt.Errorf("health response missing usage.cpu")
	}
	return *hr.Usage.CPU, nil
}

// reported treats any non-empty error value as an error.
func reported(v interface{}) bool {
	switch e := v.(type) {
	case nil:
		return false
	case bool:
		return e
	case string:
		return e != ""
	case float64:
		return e != 0
	default:
		return true
	}
}
