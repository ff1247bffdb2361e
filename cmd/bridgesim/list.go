package main

import (
	"github.com/spf13/cobra"

	"bridgesim/internal/scenario"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := newTable(cmd.OutOrStdout(), "Name", "Chains", "Bridges", "Intents", "Failures", "Description")
		for _, name := range scenario.Names() {
			sc, _ := scenario.Get(name)
			c := sc.Config
			intents := len(c.Transfers) + len(c.Swaps) + len(c.Challenges)
			t.Append([]string{name, itoa(len(c.Chains)), itoa(len(c.Bridges)), itoa(intents), itoa(len(c.Failures)), sc.Description})
		}
		t.Render()
		return nil
	},
}
