// Command shai is a minimal terminal driver for the agent runtime: it wires
// an AgentController to stdin/stdout, printing public events as they arrive
// and approving every gated tool call automatically.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	shai "github.com/MyEcoria/shai"
	"github.com/MyEcoria/shai/brain"
	"github.com/MyEcoria/shai/observer"
	"github.com/MyEcoria/shai/provider"
	"github.com/MyEcoria/shai/provider/anthropic"
	"github.com/MyEcoria/shai/provider/openaicompat"
	"github.com/MyEcoria/shai/tools/echo"
	"github.com/MyEcoria/shai/tools/shell"
)

func main() {
	model := envOr("SHAI_MODEL", "gpt-4o-mini")
	apiKey := os.Getenv("SHAI_LLM_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "SHAI_LLM_API_KEY is required")
		os.Exit(1)
	}

	var p provider.Provider
	switch envOr("SHAI_PROVIDER", "openai") {
	case "anthropic":
		p = anthropic.New(apiKey, model)
	default:
		p = openaicompat.New(apiKey, model, os.Getenv("SHAI_BASE_URL"))
	}
	p = provider.WithRetry(provider.WithRateLimit(p, provider.RPM(60)))

	registry := shai.NewToolRegistry()
	registry.Add(echo.New())
	registry.Add(shell.New(envOr("SHAI_WORKSPACE", "."), 30))

	guards := shai.NewProcessorChain()
	guards.Add(shai.NewInjectionGuard())
	guards.Add(shai.NewContentGuard(shai.MaxInputLength(8000), shai.MaxOutputLength(16000)))
	guards.Add(shai.NewMaxToolCallsGuard(8))

	compressor := shai.NewContextCompressor(0, model, shai.WithCompressorClient(provider.AsCompressorClient(p), model))

	var b shai.Brain = brain.New(p, model, shai.Auto, brain.WithCompressor(compressor), brain.WithProcessors(guards))
	b = observer.WrapBrain(b, observer.NewTracer())

	executor := shai.NewExecutor(registry)
	bus := shai.NewEventBus(64, slog.Default())
	sm := shai.NewStateMachine(b, executor, bus, "You are a helpful terminal assistant. Respond concisely.")
	ctrl := shai.NewAgentController(sm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if shutdown, err := observer.Init(ctx, "shai"); err != nil {
		fmt.Fprintf(os.Stderr, "tracing disabled: %v\n", err)
	} else {
		defer shutdown(context.Background())
	}

	go sm.Run(ctx)
	go observer.SpanTools(ctx, ctrl, observer.NewTracer())
	go driveEvents(ctx, ctrl)
	go approveAll(ctx, ctrl)

	readStdin(ctx, ctrl)
}

// approveAll auto-approves every gated tool call; a real TUI would prompt.
func approveAll(ctx context.Context, ctrl *shai.AgentController) {
	id, events := ctrl.Subscribe()
	defer ctrl.Unsubscribe(id)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if a, ok := ev.(shai.ToolCallApprovalPublic); ok {
				fmt.Printf("[approving %s(%s)]\n", a.Name, string(a.Args))
				_ = ctrl.AnswerApproval(ctx, a.ID, true)
			}
		case <-ctx.Done():
			return
		}
	}
}

func driveEvents(ctx context.Context, ctrl *shai.AgentController) {
	id, events := ctrl.Subscribe()
	defer ctrl.Unsubscribe(id)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			printEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func printEvent(ev shai.AgentEvent) {
	switch e := ev.(type) {
	case shai.BrainResultPublic:
		fmt.Println(e.Thought)
	case shai.BrainErrorPublic:
		fmt.Fprintf(os.Stderr, "error: %v\n", e.Err)
	case shai.ToolCallStart:
		fmt.Printf("[tool %s started]\n", e.Name)
	case shai.ToolCallEnd:
		if e.Error != "" {
			fmt.Printf("[tool %s failed: %s]\n", e.Name, e.Error)
		} else {
			fmt.Printf("[tool %s done]\n", e.Name)
		}
	case shai.ContextCompressedPublic:
		fmt.Printf("[context compressed: %d -> %d messages]\n", e.Info.OriginalCount, e.Info.CompressedCount)
	case shai.TaskCancelledPublic:
		fmt.Println("[cancelled]")
	}
}

func readStdin(ctx context.Context, ctrl *shai.AgentController) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		switch line {
		case "/cancel":
			_ = ctrl.CancelCurrentTask(ctx)
		case "/compress":
			_ = ctrl.RequestManualCompression(ctx)
		case "/quit":
			_ = ctrl.Shutdown(ctx)
			return
		default:
			_ = ctrl.SendUserInput(ctx, line)
		}
		fmt.Print("> ")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
