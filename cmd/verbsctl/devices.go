package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/verbs-go/internal/config"
	"github.com/rocketbitz/verbs-go/internal/discover"
	"github.com/rocketbitz/verbs-go/verbs"
)

func newDevicesCmd(a *app) *cobra.Command {
	var (
		output string
		netdev string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and their ports",
		Long: "List RDMA devices. The ibverbs provider reads the host sysfs; the loopback " +
			"provider reports the in-process devices it simulates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := listDevices(a, netdev)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), devices)
			case "table":
				if len(devices) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found.")
					return nil
				}
				discover.PrintTable(cmd.OutOrStdout(), devices)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (use table or json)", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table|json)")
	cmd.Flags().StringVar(&netdev, "netdev", "", "Only show the RDMA device bound to this network interface")
	return cmd
}

func listDevices(a *app, netdev string) ([]discover.Device, error) {
	if a.cfg.Provider == config.ProviderLoopback {
		if netdev != "" {
			return nil, fmt.Errorf("--netdev requires the %s provider", config.ProviderIBVerbs)
		}
		p, err := newProvider(a.cfg.Provider)
		if err != nil {
			return nil, err
		}
		names, err := p.Devices()
		if err != nil {
			return nil, err
		}
		out := make([]discover.Device, 0, len(names))
		for _, name := range names {
			cfg := a.cfg.Verbs()
			cfg.DeviceName = name
			dev, err := verbs.Open(p, verbs.WithConfig(cfg), verbs.WithLogger(a.log))
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			out = append(out, discover.FromDevice(dev))
			if err := dev.Close(); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	d := discover.New()
	if netdev != "" {
		dev, err := d.ForNetdev(netdev)
		if err != nil {
			return nil, err
		}
		return []discover.Device{dev}, nil
	}
	devices, err := d.All()
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}
	return devices, nil
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Dump(cmd.OutOrStdout(), *a.cfg)
		},
	}
}
