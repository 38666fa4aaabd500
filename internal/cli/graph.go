package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/engine"
)

// NewGraphCmd создаёт группу команд для графов flow.
//
// describe и json читают граф зарегистрированного flow через API;
// build собирает граф из локального файла по specs сервера.
func NewGraphCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect flow graphs",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "describe FLOW",
			Short: "Print a text description of a registered flow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				text, err := clientFn().GraphText(args[0])
				if err != nil {
					return err
				}
				outputFn().Text(text, map[string]string{"flow": args[0], "description": text})
				return nil
			},
		},
		&cobra.Command{
			Use:   "json FLOW",
			Short: "Print the graph of a registered flow as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				graph, err := clientFn().GraphJSON(args[0])
				if err != nil {
					return err
				}
				outputFn().JSON(graph)
				return nil
			},
		},
		newGraphBuildCmd(clientFn, outputFn),
	)

	return cmd
}

func newGraphBuildCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "build FILE",
		Short: "Validate a flow file against server specs and describe it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read flow file: %w", err)
			}

			f, err := engine.ParseFlowFile(data)
			if err != nil {
				return err
			}

			specs, err := remoteSpecs(clientFn())
			if err != nil {
				return err
			}

			g, err := f.Build(specs)
			if err != nil {
				return err
			}

			raw, err := g.ToJSON()
			if err != nil {
				return err
			}
			outputFn().Text(g.Describe(), json.RawMessage(raw))
			return nil
		},
	}
}

// remoteSpecs собирает локальный реестр из specs сервера.
func remoteSpecs(client *Client) (*domain.SpecRegistry, error) {
	list, err := client.ListSpecs()
	if err != nil {
		return nil, err
	}

	registry := domain.NewSpecRegistry()
	for _, s := range list {
		spec, err := domain.NewJobSpec(s.Name, s.Inputs, s.Outputs)
		if err != nil {
			return nil, fmt.Errorf("spec %s from server: %w", s.Name, err)
		}
		if err := registry.Register(spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
