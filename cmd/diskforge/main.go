package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"diskforge/internal/cli"
)

var version = "0.3.0"

func main() {
	var (
		imagePath string
		assumeYes bool
		partIndex int
		skipEject bool
	)

	rootCmd := &cobra.Command{
		Use:          "diskforge",
		Short:        "Flash disk images onto removable drives",
		Long:         `diskforge writes raw images to block devices, grows the last partition to fill the drive, and powers the device off for safe removal.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diskforge %s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List attached disk devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cli.New()
			if err != nil {
				return err
			}
			return app.List(cmd.Context())
		},
	})

	flashCmd := &cobra.Command{
		Use:   "flash [device]",
		Short: "Write an image to a device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.RequireRoot(); err != nil {
				return err
			}
			app, err := cli.New()
			if err != nil {
				return err
			}
			return app.Flash(cmd.Context(), imagePath, argOrEmpty(args), assumeYes)
		},
	}
	flashCmd.Flags().StringVarP(&imagePath, "image", "i", "", "path to the raw image file")
	_ = flashCmd.MarkFlagRequired("image")
	flashCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the destruction confirmation")

	extendCmd := &cobra.Command{
		Use:   "extend [device]",
		Short: "Grow a partition to fill the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.RequireRoot(); err != nil {
				return err
			}
			app, err := cli.New()
			if err != nil {
				return err
			}
			return app.Extend(cmd.Context(), argOrEmpty(args), partIndex)
		},
	}
	extendCmd.Flags().IntVarP(&partIndex, "partition", "p", 3, "partition index to grow")

	ejectCmd := &cobra.Command{
		Use:   "eject <device>",
		Short: "Unmount and power off a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.RequireRoot(); err != nil {
				return err
			}
			app, err := cli.New()
			if err != nil {
				return err
			}
			return app.Eject(cmd.Context(), args[0])
		},
	}

	pipelineCmd := &cobra.Command{
		Use:   "pipeline [device]",
		Short: "Flash, extend, and eject in one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.RequireRoot(); err != nil {
				return err
			}
			app, err := cli.New()
			if err != nil {
				return err
			}
			return app.Pipeline(cmd.Context(), imagePath, argOrEmpty(args), partIndex, skipEject, assumeYes)
		},
	}
	pipelineCmd.Flags().StringVarP(&imagePath, "image", "i", "", "path to the raw image file")
	_ = pipelineCmd.MarkFlagRequired("image")
	pipelineCmd.Flags().IntVarP(&partIndex, "partition", "p", 3, "partition index to grow after flashing")
	pipelineCmd.Flags().BoolVar(&skipEject, "skip-eject", false, "leave the device attached afterwards")
	pipelineCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the destruction confirmation")

	rootCmd.AddCommand(flashCmd, extendCmd, ejectCmd, pipelineCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
