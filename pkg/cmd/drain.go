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
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/lbsync"
)

type nodeDeleter interface {
	DeleteNode(ctx context.Context, id string) error
}

// NewDrainCmd provides the command that removes the newest node
func NewDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Remove the most recently added node from the load balancer and delete it.",
		Long: "drain takes the newest fleet member out of the load balancer, then deletes it. " +
			"It refuses when the fleet is at or below its minimum size. Stop the control loop " +
			"first or it may scale the fleet back up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := buildStack(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			snap, err := s.fetcher.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := drain(cmd.Context(), snap, s.syncer, s.provider, cfg.Scaling.MinNodes)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "drained node %s (%s)\n", removed.ID, removed.Name)
			return err
		},
	}
}

// drain pushes the membership without the newest node, then deletes it.
// The node is not deleted when the push fails.
func drain(ctx context.Context, snap core.FleetSnapshot, syncer *lbsync.Synchronizer, nodes nodeDeleter, minNodes int) (core.Node, error) {
	if snap.Len() <= minNodes {
		return core.Node{}, fmt.Errorf("fleet has %d nodes, minimum is %d: nothing to drain", snap.Len(), minNodes)
	}
	newest := snap.Nodes[snap.Len()-1]

	if err := syncer.Sync(ctx, snap.HealthyIDs(""), true); err != nil {
		return core.Node{}, err
	}
	if err := nodes.DeleteNode(ctx, newest.ID); err != nil {
		return core.Node{}, fmt.Errorf("delete node %s: %w", newest.ID, err)
	}

	log.WithFields(log.Fields{"event": "node_drained", "node": newest.ID, "name": newest.Name}).Info("drained node")
	return newest, nil
}
