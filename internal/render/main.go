package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/reportd/internal/report"
)

// Main is the child entry point. It returns the exit status.
func Main(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) int {
	log := slog.New(slog.NewTextHandler(stderr, nil))
	if len(args) != 2 {
		log.Error("Usage: render <input|-> <output>")
		return report.ExitRenderFailure
	}
	limit, err := ParseHeapLimit(os.Getenv(report.MaxHeapEnv))
	if err != nil {
		log.Error("Invalid heap limit", "env", report.MaxHeapEnv, "error", err)
		return report.ExitRenderFailure
	}
	stop := GuardMemory(limit, 0, func(heap uint64) {
		_, _ = fmt.Fprintf(stderr, "heap %d exceeds limit %d\n", heap, limit)
		os.Exit(report.ExitOutOfMemory)
	})
	defer stop()

	if err := Run(ctx, args[0], args[1], stdin); err != nil {
		log.Error("Render failed", "input", args[0], "error", err)
		return ExitCode(err)
	}
	return report.ExitOK
}
