package main

import (
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/examportal/coderunner/internal/config"
	"github.com/examportal/coderunner/internal/languages"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the configured languages and their limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		profiles, err := conf.Profiles()
		if err != nil {
			return err
		}
		reg, err := languages.NewRegistry(profiles...)
		if err != nil {
			return err
		}
		writeLanguages(cmd.OutOrStdout(), reg.List())
		return nil
	},
}

func writeLanguages(w io.Writer, profiles []languages.Profile) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "IMAGE", "EXT", "COMPILED", "MEMORY", "CPUS", "PIDS", "RUN TIMEOUT"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	for _, p := range profiles {
		table.Append([]string{
			p.ID,
			p.Image,
			"." + p.FileExtension,
			fmt.Sprintf("%t", p.HasCompileStep()),
			units.BytesSize(float64(p.Limits.MemoryBytes)),
			fmt.Sprintf("%g", p.Limits.CPUs),
			fmt.Sprintf("%d", p.Limits.PidsLimit),
			p.Limits.RunTimeout.String(),
		})
	}
	table.Render()
}
