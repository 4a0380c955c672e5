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

package cmd

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud"
	"gitlab.com/davidxarnold/nodescaler/pkg/config"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/fleet"
	"gitlab.com/davidxarnold/nodescaler/pkg/health"
	"gitlab.com/davidxarnold/nodescaler/pkg/lbsync"
	"gitlab.com/davidxarnold/nodescaler/pkg/metrics"
	"gitlab.com/davidxarnold/nodescaler/pkg/secrets"
)

// Seams for tests.
var (
	newSecretSource = func(opts secrets.Options) (secrets.Source, error) { return secrets.NewSource(opts) }
	newProvider     = cloud.NewProvider
)

// stack is every component the commands share, wired from one config.
type stack struct {
	cfg      *config.Config
	provider cloud.Provider
	fetcher  *fleet.Fetcher
	prober   *health.Prober
	syncer   *lbsync.Synchronizer
	state    *core.ControlState
	recorder *metrics.Recorder
}

// buildStack loads secrets, connects to the cloud API and wires the
// components. Any failure here is a *core.FatalStartupError.
func buildStack(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder) (*stack, error) {
	src, err := newSecretSource(cfg.SecretsOptions())
	if err != nil {
		return nil, &core.FatalStartupError{Stage: "secrets", Err: err}
	}
	sec, err := src.Fetch(ctx)
	if err != nil {
		return nil, &core.FatalStartupError{Stage: "secrets", Err: err}
	}
	if err := sec.Require(cfg.Secrets.CloudKey, cfg.Secrets.SigningKey); err != nil {
		return nil, &core.FatalStartupError{Stage: "secrets", Err: err}
	}

	provider, err := newProvider(ctx, cfg.Cloud.Provider, cfg.CloudOptions(sec[cfg.Secrets.CloudKey]))
	if err != nil {
		return nil, &core.FatalStartupError{Stage: "cloud", Err: err}
	}

	signer, err := health.NewTokenSigner(sec[cfg.Secrets.SigningKey], cfg.Health.Issuer, cfg.Health.TokenTTL)
	if err != nil {
		return nil, &core.FatalStartupError{Stage: "health", Err: err}
	}

	var observe lbsync.Observer
	if recorder != nil {
		observe = recorder.LoadBalancerSync
	}

	s := &stack{
		cfg:      cfg,
		provider: provider,
		fetcher:  fleet.NewFetcher(provider, cfg.Cloud.Tag),
		prober: health.NewProber(&http.Client{}, signer, health.Options{
			Port:          cfg.Health.Port,
			Path:          cfg.Health.Path,
			Timeout:       cfg.Health.Timeout,
			MaxConcurrent: cfg.Health.MaxConcurrent,
		}),
		syncer:   lbsync.NewSynchronizer(provider, cfg.LoadBalancerTemplate(), observe),
		state:    core.NewControlState(nil),
		recorder: recorder,
	}

	log.WithFields(log.Fields{
		"event":    "startup",
		"provider": cfg.Cloud.Provider,
		"region":   cfg.Cloud.Region,
		"tag":      cfg.Cloud.Tag,
		"lb":       cfg.LoadBalancer.ID,
	}).Info("connected to cloud provider")
	return s, nil
}
