/*
Copyright 2024 Alexandre Mahdhaoui

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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/netbridge/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/spf13/cobra"
)

var errUnknownFormat = errors.New("unknown output format")

func newAcquireCmd(a *app) *cobra.Command {
	var labFile string

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Provision a lab and record it in the topology store",
		Long: `Acquire provisions the lab and prints its topology as JSON. The lab stays
up until "netbridge release <id>" is called.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if labFile != "" {
				a.config.LabFile = labFile
			}

			gs := gracefulshutdown.New("netbridge-acquire", a.log)
			defer gs.Shutdown(0)

			provisioner, closeProvisioner, err := a.newProvisioner()
			if err != nil {
				return err
			}
			defer closeProvisioner()

			start := time.Now()
			topology, err := provisioner.Acquire(gs.Context(), a.config.LabSpec())
			a.metrics.ObserveProvision(a.config.Backend, time.Since(start), err)
			if err != nil {
				return err
			}

			if err := a.store.Save(topology); err != nil {
				a.log.Error(err, "failed to record topology: releasing it", "topology", topology.ID)
				provisioner.Release(context.WithoutCancel(gs.Context()), topology)
				return err
			}

			return printJSON(cmd, topology)
		},
	}

	cmd.Flags().StringVar(&labFile, "cml-lab", "", "lab definition file: a CML topology or a netbridge libvirt lab")

	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Tear down a recorded lab",
		Long: `Release tears down a lab recorded in the topology store, such as one
left behind by an interrupted run, and removes it from the store. A lab
whose teardown fails stays in the store so that release can be retried.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := a.store.Load(args[0])
			if err != nil {
				return err
			}

			// release with the backend that created the topology
			a.config.Backend = topology.Backend

			provisioner, closeProvisioner, err := a.newProvisioner()
			if err != nil {
				return err
			}
			defer closeProvisioner()

			ctx := context.Background()
			if timeout := a.config.ReleaseTimeout.Duration; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := lab.ReleaseChecked(ctx, provisioner, topology); err != nil {
				return fmt.Errorf("topology %s is kept in the store: %w", topology.ID, err)
			}

			if err := a.store.Delete(topology.ID); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", topology.ID)
			return nil
		},
	}
}

func newInventoryCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inventory <id>",
		Short: "Print the Ansible inventory of a recorded lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := a.store.Load(args[0])
			if err != nil {
				return err
			}

			record, err := a.materializer().Materialize(topology)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return printJSON(cmd, record)
			case "yaml":
				b, err := record.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			default:
				return fmt.Errorf("%w: %q", errUnknownFormat, format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "output format: json or yaml")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the recorded labs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topologies, err := a.store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tLAB\tDEVICES\tCREATED")
			for _, t := range topologies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.Backend, t.LabID, len(t.Devices), t.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
