package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/unetnd/unet"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "unet",
		Short:         "Inspect N-dimensional UNet decoders",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().String("config", "", "YAML model config (defaults are used when empty)")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the decoding stages and parameter count",
		Args:  cobra.NoArgs,
		RunE:  planHandler,
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run a random input through the model and print tensor shapes",
		Args:  cobra.NoArgs,
		RunE:  checkHandler,
	}
	checkCmd.Flags().Int64("batch", 1, "Batch size")
	checkCmd.Flags().Int64("size", 64, "Spatial extent of every input axis")

	rootCmd.AddCommand(planCmd, checkCmd)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*unet.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return unet.DefaultConfig(), nil
	}
	return unet.LoadConfig(path)
}

func buildModel(cmd *cobra.Command) (*unet.Config, *nn.VarStore, *unet.UNet, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	vs := nn.NewVarStore(gotch.CPU)
	net, err := unet.NewUNet(vs.Root(), cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, vs, net, nil
}

func planHandler(cmd *cobra.Command, args []string) error {
	cfg, vs, net, err := buildModel(cmd)
	if err != nil {
		return err
	}

	var data [][]string
	for _, s := range net.Decoder().Plan() {
		dilation := "-"
		if s.Dilation != nil {
			dilation = fmt.Sprint(*s.Dilation)
		}
		data = append(data, []string{
			fmt.Sprint(s.Stage),
			fmt.Sprint(s.SkipChannels),
			fmt.Sprint(s.InChannels),
			fmt.Sprint(s.OutChannels),
			dilation,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"STAGE", "SKIP", "IN", "OUT", "DILATION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	var params int64
	for _, v := range vs.Variables() {
		params += numel(v.MustSize())
	}
	fmt.Printf("\n%dd UNet, upsampling %q: %s parameters\n", cfg.Dims, cfg.Upsampling, humanize.Comma(params))

	return nil
}

func checkHandler(cmd *cobra.Command, args []string) error {
	cfg, _, net, err := buildModel(cmd)
	if err != nil {
		return err
	}
	batch, err := cmd.Flags().GetInt64("batch")
	if err != nil {
		return err
	}
	size, err := cmd.Flags().GetInt64("size")
	if err != nil {
		return err
	}

	shape := []int64{batch, cfg.InChannels}
	for i := 0; i < cfg.Dims; i++ {
		shape = append(shape, size)
	}
	input := ts.MustRand(shape, gotch.Float, gotch.CPU)
	defer input.MustDrop()

	var fwdErr error
	ts.NoGrad(func() {
		logits, err := net.Forward(input, false)
		if err != nil {
			fwdErr = err
			return
		}
		fmt.Printf("input:  %s\n", shapeString(input.MustSize()))
		fmt.Printf("output: %s\n", shapeString(logits.MustSize()))
		logits.MustDrop()
	})

	return fwdErr
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

func shapeString(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
