package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the audio devices of the configured backend",
	Long: `List input and output devices reported by the configured audio backend.
Names in the first column can be used as audio.input_device and
audio.output_device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg := config.NewRegistry()
		registerBuiltins(reg)

		b, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return err
		}
		defer b.Close()

		lister, ok := b.(device.Lister)
		if !ok {
			return fmt.Errorf("audio backend %q cannot list devices", cfg.Audio.Backend)
		}
		devs, err := lister.Devices()
		if err != nil {
			return err
		}
		return printDevices(cmd.OutOrStdout(), devs)
	},
}

func printDevices(w io.Writer, devs []device.Info) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST API\tIN\tOUT\tRATE\tDEFAULT")
	for _, d := range devs {
		def := ""
		switch {
		case d.DefaultInput && d.DefaultOutput:
			def = "in,out"
		case d.DefaultInput:
			def = "in"
		case d.DefaultOutput:
			def = "out"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%s\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}
