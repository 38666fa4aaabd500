// Tributary CLI — инструмент командной строки для запуска jobs,
// работы с их потоками и просмотра графов spec через HTTP API.
//
// Использование:
//
//	tributary [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	spec      Зарегистрированные spec
//	graph     Графы flow
//	job       Jobs и их потоки
//	capacity  Запросы ёмкости воркеров
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Tributary/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "tributary",
		Short:         "Tributary CLI — streaming job orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSpecCmd(clientFn, outputFn),
		cli.NewGraphCmd(clientFn, outputFn),
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewCapacityCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
