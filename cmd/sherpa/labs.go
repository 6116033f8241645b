package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sherpa-labs/sherpa/pkg/pipeline"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
)

func newUpCmd() *cobra.Command {
	var labID string
	cmd := &cobra.Command{
		Use:   "up <manifest.toml>",
		Short: "Bring a lab up from a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			token, err := sessionToken()
			if err != nil {
				return err
			}

			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var res pipeline.UpResult
			err = c.Call(ctx, rpc.MethodUp, rpc.UpParams{
				Token:    token,
				LabID:    labID,
				Manifest: string(manifest),
			}, &res)
			if err != nil {
				return err
			}

			fmt.Printf("\nlab %s (%s) is up\n", res.LabID, res.Name)
			fmt.Printf("  VMs: %d  containers: %d  networks: %d  bridges: %d\n",
				res.Summary.VMsCreated, res.Summary.ContainersCreated,
				res.Summary.NetworksCreated, res.Summary.BridgesCreated)
			for node, ip := range res.NodeIPs {
				fmt.Printf("  %-20s %s\n", node, ip)
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "warning: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&labID, "lab-id", "", "use a fixed lab ID instead of allocating one")
	return cmd
}

// labCommand builds the shared shape of down/resume/destroy.
func labCommand(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <lab>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := sessionToken()
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Call(ctx, method, rpc.LabParams{Token: token, LabID: args[0]}, nil)
		},
	}
}

func newDownCmd() *cobra.Command {
	return labCommand("down", "Stop a lab's nodes without destroying it", rpc.MethodDown)
}

func newResumeCmd() *cobra.Command {
	return labCommand("resume", "Restart a stopped lab", rpc.MethodResume)
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <lab>",
		Short: "Tear a lab down and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := sessionToken()
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var sum pipeline.DestroySummary
			err = c.Call(ctx, rpc.MethodDestroy, rpc.LabParams{Token: token, LabID: args[0]}, &sum)
			if err != nil {
				return err
			}
			printDestroySummary(&sum)
			if !sum.Success {
				return fmt.Errorf("destroy finished with %d failures", len(sum.Errors))
			}
			return nil
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <lab-id>",
		Short: "Force-remove a lab's host resources (admin)",
		Long: "Sweeps every host resource carrying the lab ID even when the catalog\n" +
			"no longer knows the lab. Requires an admin session.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := sessionToken()
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var sum pipeline.DestroySummary
			err = c.Call(ctx, rpc.MethodClean, rpc.LabParams{Token: token, LabID: args[0]}, &sum)
			if err != nil {
				return err
			}
			printDestroySummary(&sum)
			if !sum.Success {
				return fmt.Errorf("clean finished with %d failures", len(sum.Errors))
			}
			return nil
		},
	}
}

func printDestroySummary(sum *pipeline.DestroySummary) {
	fmt.Printf("lab %s: %d VMs, %d containers, %d networks, %d interfaces removed\n",
		sum.LabID,
		len(sum.VMsDestroyed), len(sum.ContainersDestroyed),
		len(sum.LibvirtNetworksDestroyed)+len(sum.DockerNetworksDestroyed),
		len(sum.InterfacesDestroyed))
	for _, e := range sum.Errors {
		fmt.Fprintf(os.Stderr, "warning: %s %s: %s\n", e.ResourceType, e.ResourceName, e.Message)
	}
}

func newInspectCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inspect <lab>",
		Short: "Show a lab's topology and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := sessionToken()
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var res pipeline.InspectResult
			err = c.Call(ctx, rpc.MethodInspect, rpc.LabParams{Token: token, LabID: args[0]}, &res)
			if err != nil {
				return err
			}

			if output == "yaml" {
				return yaml.NewEncoder(os.Stdout).Encode(res)
			}

			fmt.Printf("lab %s (%s) owner %s\n", res.Lab.LabID, res.Lab.Name, res.Lab.Owner)
			fmt.Printf("  management %s  loopback %s\n",
				res.Lab.ManagementNetwork, res.Lab.LoopbackNetwork)
			fmt.Println("nodes:")
			for _, n := range res.Nodes {
				fmt.Printf("  %-20s %-14s %-10s %-15s %s\n",
					n.Name, n.Model, n.State, n.MgmtIPv4, n.Version)
			}
			fmt.Println("links:")
			for _, l := range res.Links {
				fmt.Printf("  %3d %s:%s <-> %s:%s (%s)\n",
					l.Index, l.NodeA, l.IntA, l.NodeB, l.IntB, l.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format: yaml")
	return cmd
}

func newSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh <lab> <node>",
		Short: "Open an SSH session to a lab node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := sessionToken()
			if err != nil {
				return err
			}
			ctx := context.Background()
			c, err := connect(ctx)
			if err != nil {
				return err
			}

			var res pipeline.InspectResult
			err = c.Call(ctx, rpc.MethodInspect, rpc.LabParams{Token: token, LabID: args[0]}, &res)
			c.Close()
			if err != nil {
				return err
			}

			var ip string
			for _, n := range res.Nodes {
				if n.Name == args[1] {
					ip = n.MgmtIPv4
				}
			}
			if ip == "" {
				return rpc.NewRPCError(rpc.CodeNotFound,
					fmt.Sprintf("node %q not found in lab %s", args[1], res.Lab.LabID))
			}

			ssh := exec.Command("ssh",
				"-o", "StrictHostKeyChecking=no",
				"-o", "UserKnownHostsFile=/dev/null",
				ip)
			ssh.Stdin = os.Stdin
			ssh.Stdout = os.Stdout
			ssh.Stderr = os.Stderr
			return ssh.Run()
		},
	}
}
