package cli

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewSpecCmd создаёт группу команд для просмотра specs.
func NewSpecCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Inspect job specs",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered specs",
			RunE: func(cmd *cobra.Command, args []string) error {
				specs, err := clientFn().ListSpecs()
				if err != nil {
					return err
				}

				rows := make([][]string, len(specs))
				for i, s := range specs {
					rows[i] = specRow(s)
				}
				outputFn().Print(specHeaders, rows, specs)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show NAME",
			Short: "Show spec tags and schemas",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				spec, err := clientFn().GetSpec(args[0])
				if err != nil {
					return err
				}

				var rows [][]string
				rows = append(rows, tagRows("in", spec.Inputs)...)
				rows = append(rows, tagRows("out", spec.Outputs)...)
				outputFn().Print([]string{"DIRECTION", "TAG", "SCHEMA"}, rows, spec)
				return nil
			},
		},
	)

	return cmd
}

var specHeaders = []string{"NAME", "INPUTS", "OUTPUTS", "FLOW"}

func specRow(s SpecResponse) []string {
	return []string{s.Name, joinKeys(s.Inputs), joinKeys(s.Outputs), strconv.FormatBool(s.IsFlow)}
}

func tagRows(dir string, tags map[string]string) [][]string {
	var rows [][]string
	for _, tag := range sortedKeys(tags) {
		rows = append(rows, []string{dir, tag, tags[tag]})
	}
	return rows
}

func joinKeys(m map[string]string) string {
	return strings.Join(sortedKeys(m), ",")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
