package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/pkg/provider/tts"
)

func newVoicesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voices offered by the configured TTS provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.cfg.Providers.TTS.Name == "" {
				return fmt.Errorf("providers.tts is not configured")
			}
			reg := config.NewRegistry()
			registerBuiltinProviders(reg, g.cfg.Server.AudioSampleRate)
			p, err := reg.CreateTTS(g.cfg.Providers.TTS)
			if err != nil {
				return fmt.Errorf("create tts provider %q: %w", g.cfg.Providers.TTS.Name, err)
			}
			return listVoices(cmd.Context(), p, cmd.OutOrStdout())
		},
	}
}

func listVoices(ctx context.Context, p tts.Provider, out io.Writer) error {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return err
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].Name < voices[j].Name })

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Name", "ID", "Provider"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, v := range voices {
		table.Append([]string{v.Name, v.ID, v.Provider})
	}
	table.Render()
	return nil
}
