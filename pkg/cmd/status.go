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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	pt "github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/util"
)

const barWidth = 20

// FleetStatus is one fleet snapshot with its probe results.
type FleetStatus struct {
	Nodes     []NodeStatus  `json:"nodes"`
	Decision  core.Decision `json:"decision"`
	Threshold float64       `json:"cpuThreshold"`
	MinNodes  int           `json:"minNodes"`
}

// NodeStatus is one row of FleetStatus.
type NodeStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address,omitempty"`
	CPU     *float64 `json:"cpu,omitempty"`
	Probe   string   `json:"probe"`
	Error   string   `json:"error,omitempty"`
}

// NewStatusCmd provides the one-shot status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the fleet once, probe every node and print the result.",
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
			results := s.prober.ProbeAll(cmd.Context(), snap)
			st := buildStatus(snap, results, cfg.Scaling.CPUThreshold, cfg.Scaling.MinNodes)

			return render(cmd.OutOrStdout(), st, viper.GetString("output"))
		},
	}
}

// buildStatus joins probe results onto the snapshot in fleet order.
func buildStatus(snap core.FleetSnapshot, results []core.ProbeResult, threshold float64, minNodes int) FleetStatus {
	byID := make(map[string]core.ProbeResult, len(results))
	for _, r := range results {
		byID[r.NodeID] = r
	}

	st := FleetStatus{
		Decision:  core.Decide(results, threshold, false),
		Threshold: threshold,
		MinNodes:  minNodes,
		Nodes:     make([]NodeStatus, 0, snap.Len()),
	}
	for _, n := range snap.Nodes {
		ns := NodeStatus{ID: n.ID, Name: n.Name, Address: n.Address}
		r, probed := byID[n.ID]
		switch {
		case !probed:
			ns.Probe = "no address"
		case r.Failed || r.LoadMetric == nil:
			ns.Probe = "failed"
			if r.Err != nil {
				ns.Error = r.Err.Error()
			}
		default:
			ns.Probe = "ok"
			ns.CPU = r.LoadMetric
		}
		st.Nodes = append(st.Nodes, ns)
	}
	return st
}

func render(w io.Writer, st FleetStatus, output string) error {
	switch strings.ToLower(output) {
	case "json":
		return renderJSON(w, st)
	default:
		renderTable(w, st)
		return nil
	}
}

func renderJSON(w io.Writer, st FleetStatus) error {
	b, err := json.MarshalIndent(st, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func renderTable(w io.Writer, st FleetStatus) {
	t := pt.NewWriter()
	if f, ok := w.(*os.File); ok && util.IsTerminal(f) {
		t.SetStyle(pt.StyleColoredBright)
	} else {
		t.SetStyle(pt.StyleLight)
	}
	t.SetOutputMirror(w)
	t.AppendHeader(pt.Row{"ID", "Name", "Address", "Probe", "CPU", "Load"})

	for _, n := range st.Nodes {
		cpu, bar := "", ""
		if n.CPU != nil {
			cpu = fmt.Sprintf("%.1f%%", *n.CPU)
			bar = makeProgressBar(*n.CPU, st.Threshold, barWidth)
		}
		probe := n.Probe
		if n.Error != "" {
			probe = fmt.Sprintf("%s (%s)", n.Probe, n.Error)
		}
		t.AppendRow(pt.Row{n.ID, n.Name, n.Address, probe, cpu, bar})
	}

	t.AppendSeparator()
	avg := ""
	if st.Decision.Available > 0 {
		avg = fmt.Sprintf("%.1f%%", st.Decision.AverageLoad)
	}
	t.AppendFooter(pt.Row{
		"FLEET",
		fmt.Sprintf("%d nodes (min %d)", len(st.Nodes), st.MinNodes),
		"",
		fmt.Sprintf("%d ok / %d failed", st.Decision.Available, st.Decision.Failed),
		avg,
		st.Decision.Reason,
	})
	t.Render()
}

// makeProgressBar draws value as a share of 100%, flagged against the
// scale-up threshold.
func makeProgressBar(value, threshold float64, width int) string {
	percentage := value
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	filled := int((percentage / 100) * float64(width))
	var b strings.Builder
	b.WriteString(getColorIndicator(value, threshold))
	for i := 0; i < width; i++ {
		if i < filled {
			b.WriteString("█")
		} else {
			b.WriteString("░")
		}
	}
	return b.String()
}

// getColorIndicator returns a color indicator relative to the threshold
func getColorIndicator(value, threshold float64) string {
	switch {
	case value > threshold:
		return "🔴"
	case value >= threshold*0.75:
		return "🟡"
	default:
		return "🟢"
	}
}
