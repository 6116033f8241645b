package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
)

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the node image catalog",
	}
	cmd.AddCommand(newImageListCmd(), newImageImportCmd())
	return cmd
}

func newImageListCmd() *cobra.Command {
	var model, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog images",
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

			var images []*catalog.NodeImage
			err = c.Call(ctx, rpc.MethodImageList, rpc.ListImagesParams{
				Token: token,
				Model: model,
				Kind:  kind,
			}, &images)
			if err != nil {
				return err
			}

			if len(images) == 0 {
				fmt.Println("no images in the catalog")
				return nil
			}
			fmt.Printf("%-16s %-16s %-12s %s\n", "MODEL", "KIND", "VERSION", "DEFAULT")
			for _, img := range images {
				def := ""
				if img.Default {
					def = "*"
				}
				fmt.Printf("%-16s %-16s %-12s %s\n", img.Model, img.Kind, img.Version, def)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind: virtual_machine, container, unikernel")
	return cmd
}

func newImageImportCmd() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "import <model> <kind> <version> <src>",
		Short: "Import an image into the catalog (admin)",
		Long: "Imports a node image. For virtual_machine kind, src is a local qcow2\n" +
			"path; for container kind, src is an image reference to pull or a tar\n" +
			"archive to load.",
		Args: cobra.ExactArgs(4),
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

			var img catalog.NodeImage
			err = c.Call(ctx, rpc.MethodImageImport, rpc.ImportImageParams{
				Token:   token,
				Model:   args[0],
				Kind:    args[1],
				Version: args[2],
				Src:     args[3],
				Latest:  latest,
			}, &img)
			if err != nil {
				return err
			}
			fmt.Printf("imported %s/%s %s\n", img.Model, img.Kind, img.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "mark as the default for its model and kind")
	return cmd
}
