package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/devicecloud/internal/cloud"
	"github.com/nerrad567/devicecloud/internal/infrastructure/logging"
	"github.com/nerrad567/devicecloud/internal/monitor"
)

// requestTimeout bounds a management command.
const requestTimeout = 60 * time.Second

// registry loads configuration and builds a registry for the
// management commands. Their logging goes to stderr.
func (o *rootOptions) registry(cmd *cobra.Command) (*monitor.Registry, *monitor.Options, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	log := logging.NewWithWriter(cfg.Logging, version, cmd.ErrOrStderr())
	reg, err := newRegistry(cfg.Cloud, log)
	if err != nil {
		return nil, nil, err
	}
	opts, err := monitorOptions(cfg.Monitor)
	if err != nil {
		return nil, nil, fmt.Errorf("monitor options: %w", err)
	}
	return reg, &opts, nil
}

func newCreateCmd(root *rootOptions) *cobra.Command {
	var (
		topics    []string
		transport string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a monitor from the configured options and print its id",
		Long: `create registers a monitor and exits without listening. The monitor
stays registered until deleted; bind to it with "listen" and
monitor.reuse_existing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, opts, err := root.registry(cmd)
			if err != nil {
				return err
			}
			if len(topics) > 0 {
				opts.Topics = topics
			}
			if transport != "" {
				opts.Transport = monitor.Transport(strings.ToLower(transport))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			desc, err := reg.Create(ctx, *opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeDescriptorsJSON(cmd.OutOrStdout(), []monitor.Descriptor{desc})
			}
			fmt.Fprintln(cmd.OutOrStdout(), desc.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "topic to subscribe to, repeatable (overrides monitor.topics)")
	cmd.Flags().StringVar(&transport, "transport", "", "tcp or http (overrides monitor.transport)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the descriptor as JSON")
	return cmd
}

func newListCmd(root *rootOptions) *cobra.Command {
	var (
		topics    []string
		transport string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the monitors registered for the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := root.registry(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			descs, err := reg.List(ctx, listCondition(topics, transport))
			if err != nil {
				return err
			}
			if asJSON {
				return writeDescriptorsJSON(cmd.OutOrStdout(), descs)
			}
			return writeDescriptorTable(cmd.OutOrStdout(), descs)
		},
	}
	cmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "only monitors with exactly these topics")
	cmd.Flags().StringVar(&transport, "transport", "", "only monitors using this transport")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

// listCondition builds the registry filter of the list command; nil lists
// everything.
func listCondition(topics []string, transport string) cloud.Expression {
	var terms []cloud.Expression
	if len(topics) > 0 {
		terms = append(terms, cloud.Attr(monitor.AttrTopic).Eq(strings.Join(topics, ",")))
	}
	if transport != "" {
		terms = append(terms, cloud.Attr(monitor.AttrTransportType).Eq(strings.ToLower(transport)))
	}
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	default:
		return cloud.And(terms...)
	}
}

func newDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete MONITOR_ID...",
		Short: "Delete monitors by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := root.registry(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var errs []error
			for _, id := range args {
				if err := reg.Delete(ctx, id); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return errors.Join(errs...)
		},
	}
}

func writeDescriptorsJSON(w io.Writer, descs []monitor.Descriptor) error {
	if descs == nil {
		descs = []monitor.Descriptor{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(descs)
}

func writeDescriptorTable(w io.Writer, descs []monitor.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRANSPORT\tFORMAT\tSTATUS\tLAST CONNECT\tTOPICS")
	for _, d := range descs {
		lastConnect := "-"
		if !d.LastConnect.IsZero() {
			lastConnect = d.LastConnect.UTC().Format(time.RFC3339)
		}
		status := d.Status
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Transport, d.Format, status, lastConnect, strings.Join(d.Topics, ","))
	}
	return tw.Flush()
}
