package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}
	cmd.PersistentFlags().StringVar(&project, "project", "default", "Project ID")

	projectFn := func() string { return project }

	cmd.AddCommand(
		newJobEnqueueCmd(clientFn, outputFn, projectFn),
		newJobStatusCmd(clientFn, outputFn, projectFn),
		newJobHistoryCmd(clientFn, outputFn, projectFn),
		newJobStateCmd(clientFn, outputFn, projectFn),
		newJobFeedCmd(clientFn, outputFn, projectFn),
		newJobPipeCmd(clientFn, outputFn, projectFn),
		newJobTerminateCmd(clientFn, outputFn, projectFn),
		newJobLastCmd(clientFn, outputFn, projectFn),
	)

	return cmd
}

var jobHeaders = []string{"JOB_ID", "SPEC", "STATUS", "INPUTS", "OUTPUTS"}

func jobRow(j *JobResponse) []string {
	return []string{j.JobID, j.SpecName, j.Status, bindingList(j.Inputs), bindingList(j.Outputs)}
}

func bindingList(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, tag := range sortedKeys(m) {
		parts = append(parts, tag+"="+m[tag])
	}
	return strings.Join(parts, ",")
}

func newJobEnqueueCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	var jobID string
	var params string
	var inputs []string
	var outputs []string

	cmd := &cobra.Command{
		Use:   "enqueue SPEC",
		Short: "Enqueue a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := EnqueueJobRequest{SpecName: args[0], JobID: jobID}

			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("params must be valid JSON")
				}
				req.Params = json.RawMessage(params)
			}

			var err error
			if req.Inputs, err = parseBindings(inputs); err != nil {
				return err
			}
			if req.Outputs, err = parseBindings(outputs); err != nil {
				return err
			}

			job, err := clientFn().EnqueueJob(projectFn(), req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Job enqueued: %s", job.JobID))
			out.Print(jobHeaders, [][]string{jobRow(job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "id", "", "Job ID (generated if not specified)")
	cmd.Flags().StringVar(&params, "params", "", "Job params as JSON")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input binding as TAG=STREAM (repeatable)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "Output binding as TAG=STREAM (repeatable)")

	return cmd
}

// parseBindings разбирает пары TAG=STREAM.
func parseBindings(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid binding format %q, expected TAG=STREAM", kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func newJobStatusCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show job status and stream bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := clientFn().GetJob(projectFn(), args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(jobHeaders, [][]string{jobRow(job)}, job)
			if job.Error != "" {
				out.Error(job.Error)
			}
			return nil
		},
	}
}

func newJobHistoryCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "history JOB_ID",
		Short: "Show job status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := clientFn().History(projectFn(), args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(history))
			for i, r := range history {
				rows[i] = []string{r.CreatedAt, r.Status, r.Error}
			}
			outputFn().Print([]string{"TIME", "STATUS", "ERROR"}, rows, history)
			return nil
		},
	}
}

func newJobStateCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "state JOB_ID",
		Short: "Show child jobs of a flow job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := clientFn().FlowState(projectFn(), args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(state.Children))
			for i, c := range state.Children {
				rows[i] = []string{c.Label, c.JobID, c.Status}
			}
			outputFn().Print([]string{"LABEL", "JOB_ID", "STATUS"}, rows, state)
			return nil
		},
	}
}

func newJobFeedCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "feed JOB_ID TAG VALUE...",
		Short: "Feed values into an input tag",
		Long:  "Feed values into an input tag. Each VALUE is parsed as JSON; anything else is sent as a string.",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var fed []*DatapointResponse
			for _, v := range args[2:] {
				dp, err := client.Feed(projectFn(), args[0], args[1], parseValue(v))
				if err != nil {
					return err
				}
				fed = append(fed, dp)
			}

			rows := make([][]string, len(fed))
			for i, dp := range fed {
				rows[i] = []string{dp.MessageID, string(dp.Data)}
			}
			out.Print([]string{"MESSAGE_ID", "DATA"}, rows, fed)
			return nil
		},
	}
}

func newJobPipeCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "pipe JOB_ID TAG",
		Short: "Stream stdin lines into an input tag",
		Long: "Stream stdin into an input tag, one value per line, in a single request.\n" +
			"End of input terminates the tag; interrupting the command terminates all inputs of the job.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(toNDJSON(cmd.InOrStdin(), pw))
			}()

			resp, err := clientFn().StreamInput(projectFn(), args[0], args[1], pr)
			_ = pr.Close()
			if err != nil {
				return err
			}

			outputFn().Text(fmt.Sprintf("Fed %d values into %s of %s, input terminated", resp.Fed, args[1], args[0]), resp)
			return nil
		},
	}
}

// toNDJSON переписывает непустые строки r как значения JSON, по одному на строку.
func toNDJSON(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", parseValue(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseValue принимает JSON как есть, остальное оборачивает в строку.
func parseValue(v string) json.RawMessage {
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	raw, _ := json.Marshal(v)
	return raw
}

func newJobTerminateCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate JOB_ID TAG",
		Short: "Terminate an input tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().Terminate(projectFn(), args[0], args[1]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Input %s of %s terminated", args[1], args[0]))
			return nil
		},
	}
}

func newJobLastCmd(clientFn func() *Client, outputFn func() *Output, projectFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "last JOB_ID TAG",
		Short: "Show the last value of an output tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dp, err := clientFn().LastOutput(projectFn(), args[0], args[1])
			if err != nil {
				return err
			}
			outputFn().Text(string(dp.Data), dp)
			return nil
		},
	}
}

// NewCapacityCmd создаёт группу команд для управления ёмкостью воркеров.
func NewCapacityCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var project string
	var by int

	increase := &cobra.Command{
		Use:   "increase SPEC",
		Short: "Ask worker instances to provision more workers for a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by <= 0 {
				return fmt.Errorf("--by must be positive")
			}

			instanceID, err := clientFn().IncreaseCapacity(project, args[0], by)
			if err != nil {
				return err
			}

			outputFn().Print(
				[]string{"PROJECT", "SPEC", "BY", "INSTANCE"},
				[][]string{{project, args[0], strconv.Itoa(by), instanceID}},
				map[string]any{"project_id": project, "spec_name": args[0], "by": by, "instance_id": instanceID},
			)
			return nil
		},
	}
	increase.Flags().StringVar(&project, "project", "default", "Project ID")
	increase.Flags().IntVar(&by, "by", 1, "Number of workers to add")

	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Manage worker capacity",
	}
	cmd.AddCommand(increase)
	return cmd
}
