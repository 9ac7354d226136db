package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/invocation"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// CLI configuration
type Config struct {
	WorkflowFile string
	ToolsFile    string
	Inputs       map[string]string
	DataDir      string
	LogsDir      string
	PollInterval time.Duration
	Timeout      time.Duration
	Verbose      bool
	JSON         bool
	ShowSteps    bool
}

func main() {
	config := parseFlags()

	if config.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", config.WorkflowFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	wf, err := invocation.LoadFile(config.WorkflowFile)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}

	color.Cyan("Workflow: %s", wf.Name())
	if wf.Description() != "" {
		color.White("Description: %s", wf.Description())
	}

	workflows := invocation.NewMemoryWorkflowRegistry()
	if err := workflows.Register(wf); err != nil {
		log.Fatalf("Failed to register workflow: %v", err)
	}

	tools := invocation.NewMemoryToolRegistry()
	if config.ToolsFile != "" {
		if err := loadTools(tools, config.ToolsFile); err != nil {
			log.Fatalf("Failed to load tools: %v", err)
		}
		color.Blue("Tools: %s", config.ToolsFile)
	}

	histories := invocation.NewMemoryHistoryStore()
	resolver := invocation.NewMemoryContentResolver()

	var store invocation.InvocationStore
	if config.DataDir != "" {
		fileStore, err := invocation.NewFileInvocationStore(config.DataDir)
		if err != nil {
			log.Fatalf("Failed to create invocation store: %v", err)
		}
		store = fileStore
		color.Blue("Invocations: %s", config.DataDir)
	} else {
		store = invocation.NewMemoryInvocationStore()
	}

	var stepLog invocation.StepLogger
	if config.LogsDir != "" {
		stepLog = invocation.NewFileStepLogger(config.LogsDir)
		color.Blue("Step logs: %s", config.LogsDir)
	} else {
		stepLog = invocation.NewNullStepLogger()
	}

	manager, err := invocation.NewSchedulingManager(invocation.SchedulingManagerOptions{
		Store:        store,
		Workflows:    workflows,
		Tools:        tools,
		Executor:     invocation.NewLocalToolExecutor(logger),
		Histories:    histories,
		Resolver:     resolver,
		PollInterval: config.PollInterval,
		Logger:       logger,
		StepLog:      stepLog,
	})
	if err != nil {
		log.Fatalf("Failed to create scheduling manager: %v", err)
	}

	// Stage data for each data-typed input so the run request has content
	// to reference.
	request := buildRunRequest(wf, config, histories, resolver)

	builder := invocation.NewRunRequestBuilder(workflows, histories, resolver, nil)
	configs, err := builder.BuildRunConfigs(request)
	if err != nil {
		log.Fatalf("Invalid run request: %v", err)
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduling manager: %v", err)
	}
	defer manager.Shutdown(context.Background())

	inv := invocation.RunConfigToInvocation(configs[0])
	if err := manager.Queue(ctx, inv); err != nil {
		log.Fatalf("Failed to queue invocation: %v", err)
	}
	color.Green("Queued invocation (ID: %s)...\n", inv.ID)

	startTime := time.Now()
	final, err := waitForInvocation(ctx, manager, inv.ID, config.PollInterval)
	duration := time.Since(startTime)
	if err != nil {
		log.Fatalf("Failed waiting for invocation: %v", err)
	}

	showResults(final, wf, resolver, duration, config)
}

func parseFlags() *Config {
	config := &Config{
		Inputs: make(map[string]string),
	}

	flag.StringVar(&config.WorkflowFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.WorkflowFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	flag.StringVar(&config.ToolsFile, "tools", "", "Path to a YAML file listing tool definitions")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Input in format step=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Input in format step=value (shorthand, can be used multiple times)")

	flag.StringVar(&config.DataDir, "data", "", "Directory to persist invocations (optional)")
	flag.StringVar(&config.LogsDir, "logs", "", "Directory to store step logs (optional)")
	flag.StringVar(&config.LogsDir, "l", "", "Directory to store step logs (shorthand)")

	flag.DurationVar(&config.PollInterval, "poll", 100*time.Millisecond, "Scheduling poll interval")
	flag.DurationVar(&config.Timeout, "timeout", time.Minute, "Scheduling timeout (e.g., 30s, 5m)")
	flag.DurationVar(&config.Timeout, "t", time.Minute, "Scheduling timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")
	flag.BoolVar(&config.ShowSteps, "show-steps", false, "Show per-step records after scheduling")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Invocation CLI - Schedule YAML-defined workflow invocations

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Invoke a workflow with a staged dataset input
  %s -file workflow.yaml -tools tools.yaml -input data=sample.fastq

  # Invoke with persistence and step logging
  %s -file workflow.yaml -data ./invocations -logs ./logs

Options:
`, os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Input Format:
  Use -input step=value for each workflow input step, where step is the
  step id or label. Data inputs receive a staged dataset named after the
  value; parameter inputs receive the value itself (parsed as JSON when
  possible).

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use step=value\n", input)
			os.Exit(1)
		}
		config.Inputs[parts[0]] = parts[1]
	}

	return config
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return invocation.NewLogger(level)
}

func loadTools(registry *invocation.MemoryToolRegistry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var manifest struct {
		Tools []*invocation.Tool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return err
	}
	for _, tool := range manifest.Tools {
		registry.Register(tool)
	}
	return nil
}

// buildRunRequest stages CLI inputs: data inputs get a dataset registered
// with the resolver, parameter inputs pass their value inline.
func buildRunRequest(wf *invocation.Workflow, config *Config, histories *invocation.MemoryHistoryStore, resolver *invocation.MemoryContentResolver) *invocation.RunRequest {
	request := &invocation.RunRequest{
		WorkflowName:   wf.Name(),
		NewHistoryName: fmt.Sprintf("History from %s workflow", wf.Name()),
		Inputs:         map[string]*invocation.RunRequestInput{},
		InputsBy:       invocation.InputsByStepID,
	}

	for _, step := range wf.InputSteps() {
		value, provided := config.Inputs[step.ID]
		if !provided && step.Label != "" {
			value, provided = config.Inputs[step.Label]
		}
		if !provided {
			continue
		}
		switch step.Type {
		case invocation.StepTypeDataInput:
			dataset := &invocation.Dataset{
				ID:    invocation.NewDatasetID(),
				Name:  value,
				State: invocation.DatasetStateOK,
			}
			resolver.Register(dataset)
			request.Inputs[step.ID] = &invocation.RunRequestInput{
				Src: invocation.SourceDataset,
				ID:  dataset.ID,
			}
		case invocation.StepTypeParameterInput:
			var parsed any
			if err := json.Unmarshal([]byte(value), &parsed); err != nil {
				parsed = value
			}
			request.Inputs[step.ID] = &invocation.RunRequestInput{
				Src: invocation.SourceValue,
				Val: parsed,
			}
		}
	}
	return request
}

func waitForInvocation(ctx context.Context, manager *invocation.SchedulingManager, id string, interval time.Duration) (*invocation.Invocation, error) {
	for {
		inv, err := manager.GetInvocation(ctx, id)
		if err != nil {
			return nil, err
		}
		if !inv.Active() {
			return inv, nil
		}
		select {
		case <-ctx.Done():
			return inv, nil
		case <-time.After(interval):
		}
	}
}

func showResults(inv *invocation.Invocation, wf *invocation.Workflow, resolver *invocation.MemoryContentResolver, duration time.Duration, config *Config) {
	color.White("Scheduling finished in %v", duration)
	color.White("State: %s", inv.State)

	switch inv.State {
	case invocation.InvocationStateDone:
		color.Green("Invocation complete!")
	case invocation.InvocationStateFailed:
		color.Red("Invocation failed")
		os.Exit(1)
	case invocation.InvocationStateCancelled:
		color.Yellow("Invocation cancelled")
	default:
		color.Yellow("Invocation still active (timed out waiting)")
	}

	if config.ShowSteps {
		fmt.Printf("\n")
		color.Magenta("Steps:")
		for _, step := range wf.Steps() {
			record, ok := inv.RecordFor(step.ID)
			status := "pending"
			if ok && record.Realized() {
				status = "scheduled"
			} else if ok && record.Delayed {
				status = fmt.Sprintf("delayed (%s)", record.DelayReason)
			}
			fmt.Printf("  %s (%s): %s\n", step.ID, step.Type, status)
		}
	}

	progress := invocation.NewInvocationProgress(wf, inv, resolver)
	for _, record := range inv.Steps {
		if err := progress.RecoverStepOutputs(record); err != nil {
			color.Red("Failed to recover outputs: %v", err)
			return
		}
	}
	outputs := progress.WorkflowOutputs()
	if len(outputs) > 0 {
		fmt.Printf("\n")
		color.Magenta("Outputs:")
		if config.JSON {
			outputBytes, err := json.MarshalIndent(outputs, "", "  ")
			if err != nil {
				fmt.Printf("Error formatting outputs: %v\n", err)
			} else {
				fmt.Println(string(outputBytes))
			}
		} else {
			for label, value := range outputs {
				switch content := value.(type) {
				case *invocation.Dataset:
					fmt.Printf("  %s: dataset %s (%s)\n", label, content.Name, content.ID)
				case *invocation.Collection:
					fmt.Printf("  %s: collection %s [%s] with %d elements\n",
						label, content.Name, content.CollectionType, len(content.Elements))
				default:
					if valueBytes, err := json.Marshal(value); err == nil {
						fmt.Printf("  %s: %s\n", label, string(valueBytes))
					} else {
						fmt.Printf("  %s: %v\n", label, value)
					}
				}
			}
		}
	}
}
