package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/output"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List every VM known to kilnd.

Requires the debug permission.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML stream, one document per VM
  -o json   JSON array (--items wraps it in a list document)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}
		if listItems && output.Format(outputFormat) != output.FormatJSON {
			return fmt.Errorf("--items requires -o json")
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer closeClient(c)

		vms, err := c.ListVMs()
		if err != nil {
			return fmt.Errorf("failed to list VMs: %w", err)
		}

		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(outputFormat),
			NoHeaders: noHeaders,
			Items:     listItems,
		})
		if err != nil {
			return err
		}

		result, err := formatter.FormatVMList(vms)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the daemon's VM dump",
	Long:  `Print kilnd's diagnostic dump of every VM. Requires the debug permission.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer closeClient(c)

		text, err := c.Dump()
		if err != nil {
			return fmt.Errorf("failed to dump VMs: %w", err)
		}
		fmt.Print(text)
		return nil
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <cid>",
	Short: "Release the debug hold on a VM",
	Long: `Release the debug hold placed on a VM by 'kiln hold'. If nothing else
holds the VM it is killed.

Requires the debug permission.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := parseCID(args[0])
		if err != nil {
			return err
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer closeClient(c)

		found, err := c.DebugDropRef(cid)
		if err != nil {
			return fmt.Errorf("failed to drop VM %d: %w", cid, err)
		}
		if !found {
			return fmt.Errorf("VM %d is not held", cid)
		}
		fmt.Printf("✓ Released VM %d\n", cid)
		return nil
	},
}

var listItems bool

var (
	partitionSize int64
	partitionType string
)

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Manage writable partition images",
}

var partitionInitCmd = &cobra.Command{
	Use:   "init <image>",
	Short: "Initialize an empty writable partition",
	Long: `Truncate the image file and grow it to --size bytes. With
--type instance-metadata the instance metadata header is written.

Example:
  kiln partition init --size 10485760 --type instance-metadata instance.img`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := v1.PartitionType(partitionType)
		switch typ {
		case v1.PartitionTypeRaw, v1.PartitionTypeInstanceMetadata:
		default:
			return fmt.Errorf("invalid partition type %q (must be %s or %s)",
				partitionType, v1.PartitionTypeRaw, v1.PartitionTypeInstanceMetadata)
		}

		image, err := os.OpenFile(args[0], os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer image.Close()

		c, err := dial()
		if err != nil {
			return err
		}
		defer closeClient(c)

		if err := c.InitializeWritablePartition(image, partitionSize, typ); err != nil {
			return fmt.Errorf("failed to initialize partition: %w", err)
		}
		fmt.Printf("✓ Initialized %s (%d bytes, %s)\n", args[0], partitionSize, typ)
		return nil
	},
}

var signatureCmd = &cobra.Command{
	Use:   "signature <input> <output>",
	Short: "Create or update a signature file",
	Long:  `Compute the signature file of <input> and write it to <output>.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer input.Close()

		out, err := os.OpenFile(args[1], os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[1], err)
		}
		defer out.Close()

		c, err := dial()
		if err != nil {
			return err
		}
		defer closeClient(c)

		if err := c.CreateOrUpdateSignatureFile(input, out); err != nil {
			return fmt.Errorf("failed to write signature: %w", err)
		}
		fmt.Printf("✓ Wrote signature of %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")
	listCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "Omit table headers")
	listCmd.Flags().BoolVar(&listItems, "items", false, "Wrap JSON output in a VirtualMachineDebugInfoList document")

	partitionInitCmd.Flags().Int64Var(&partitionSize, "size", 0, "Partition size in bytes")
	partitionInitCmd.Flags().StringVar(&partitionType, "type", string(v1.PartitionTypeRaw), "Partition type: raw or instance-metadata")
	_ = partitionInitCmd.MarkFlagRequired("size")
	partitionCmd.AddCommand(partitionInitCmd)
}

func parseCID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CID %q: %w", s, err)
	}
	return uint32(v), nil
}
