package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harun/overwatch/internal/breaker"
	"github.com/harun/overwatch/internal/cost"
	"github.com/harun/overwatch/internal/diagnostics"
	"github.com/harun/overwatch/internal/loopguard"
	"github.com/harun/overwatch/internal/sop"
	"github.com/harun/overwatch/internal/supervision"
	"github.com/harun/overwatch/pkg/commandqueue"
	"github.com/spf13/cobra"
)

// Outcomes of a simulated task
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCostLimit   = "cost_limit"
	OutcomeLoop        = "loop"
)

// SimulateOptions shapes a simulated workload
type SimulateOptions struct {
	Tasks         int
	Lanes         int
	Steps         int
	Budget        int64
	TokensPerStep int64
}

// SimulationSummary is printed by the simulate command
type SimulationSummary struct {
	Outcomes map[string]string      `json:"outcomes"`
	Counts   map[string]int         `json:"counts"`
	Health   diagnostics.Health     `json:"health"`
	Costs    map[string]cost.Budget `json:"costs"`
	SOPs     map[string]sop.Stat    `json:"sops"`
	Breakers []breaker.Stats        `json:"breakers"`
}

var (
	simulateOpts    SimulateOptions
	simulateVerbose bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic agent workload through the supervision core",
	Long: `Run synthetic agent tasks through the command queue and the supervision
core. The workload mixes healthy tasks, a failing tool, repeated actions and
overspending so every guard trips, then prints a JSON summary.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simulateOpts.Tasks, "tasks", 12, "number of tasks")
	simulateCmd.Flags().IntVar(&simulateOpts.Lanes, "lanes", 3, "number of queue lanes")
	simulateCmd.Flags().IntVar(&simulateOpts.Steps, "steps", 4, "tool calls per task")
	simulateCmd.Flags().Int64Var(&simulateOpts.Budget, "budget", 1000, "token budget per task")
	simulateCmd.Flags().Int64Var(&simulateOpts.TokensPerStep, "tokens-per-step", 100, "tokens charged per tool call")
	simulateCmd.Flags().BoolVar(&simulateVerbose, "verbose", false, "write logs to stderr")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	var logOutput io.Writer = io.Discard
	if simulateVerbose {
		logOutput = cmd.ErrOrStderr()
	}

	rt, err := bootstrap(logOutput)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	summary, err := Simulate(cmd.Context(), rt.core, rt.queue, simulateOpts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

var errToolDown = errors.New("tool unavailable")

// Simulate runs opts.Tasks tasks spread over opts.Lanes lanes. Task i
// behaves by i%4: 0 is healthy, 1 calls a failing tool, 2 repeats the
// same action and 3 overspends its budget.
func Simulate(ctx context.Context, core *supervision.Core, queue *commandqueue.CommandQueue, opts SimulateOptions) (*SimulationSummary, error) {
	if opts.Tasks <= 0 || opts.Lanes <= 0 || opts.Steps <= 0 {
		return nil, fmt.Errorf("tasks, lanes and steps must be positive")
	}
	if opts.Budget <= 0 || opts.TokensPerStep < 0 {
		return nil, fmt.Errorf("budget must be positive and tokens per step non-negative")
	}

	outcomes := make(map[string]string, opts.Tasks)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < opts.Tasks; i++ {
		traceID := fmt.Sprintf("sim-%03d", i)
		lane := fmt.Sprintf("agent-%d", i%opts.Lanes)
		task := supervision.Task{
			TraceID: traceID,
			Name:    fmt.Sprintf("task-%d", i),
			SOPID:   fmt.Sprintf("sop-%d", i%4),
			Budget:  opts.Budget,
		}
		body := simulatedBody(i, opts)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := queue.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
				return core.Run(ctx, task, body)
			}, &commandqueue.TaskOptions{TraceID: traceID})

			mu.Lock()
			outcomes[traceID] = classify(err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	counts := make(map[string]int)
	for _, outcome := range outcomes {
		counts[outcome]++
	}

	return &SimulationSummary{
		Outcomes: outcomes,
		Counts:   counts,
		Health:   diagnostics.Check(core),
		Costs:    core.Costs().GetAllCosts(),
		SOPs:     core.SOPs().GetAllStats(),
		Breakers: core.Breakers().Snapshot(),
	}, nil
}

func simulatedBody(i int, opts SimulateOptions) supervision.StepFunc {
	return func(ctx context.Context, step *supervision.Step) (interface{}, error) {
		for s := 0; s < opts.Steps; s++ {
			tokens := opts.TokensPerStep
			if i%4 == 3 {
				tokens = opts.Budget
			}
			if err := step.Charge(ctx, tokens); err != nil {
				return nil, err
			}

			tool, args := "search", interface{}(map[string]int{"task": i, "step": s})
			if i%4 == 2 {
				args = map[string]string{"query": "same"}
			}
			op := func(ctx context.Context) (interface{}, error) { return "ok", nil }
			if i%4 == 1 {
				tool = "fetch"
				op = func(ctx context.Context) (interface{}, error) { return nil, errToolDown }
			}

			if _, err := step.Guard(ctx, tool, args, op); err != nil {
				return nil, err
			}
		}
		return "done", nil
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, cost.ErrCostLimitExceeded):
		return OutcomeCostLimit
	case errors.Is(err, loopguard.ErrLoopDetected):
		return OutcomeLoop
	case errors.Is(err, breaker.ErrCircuitOpen):
		return OutcomeCircuitOpen
	default:
		return OutcomeFailed
	}
}
