package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Stepper advances the loop by one phase.
type Stepper interface {
	Step() error
}

// Listen reads lines from in until EOF or ctx is done. An empty line steps
// the loop, a line starting with "/" runs a command, and replies go to out.
// "/quit" ends the listener.
// A blocked read is only noticed after the next line arrives.
func Listen(ctx context.Context, in io.Reader, out io.Writer, reg *Registry, loop Stepper) error {
	scanner := bufio.NewScanner(in)
	cc := &CommandContext{Platform: "terminal"}
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			if err := loop.Step(); err != nil {
				fmt.Fprintf(out, "Cannot step: %v\n", err)
			}
		case strings.EqualFold(line, "/quit"):
			return nil
		case strings.HasPrefix(line, "/"):
			fmt.Fprintln(out, strings.TrimRight(reg.Run(ctx, line, cc), "\n"))
		default:
			fmt.Fprintln(out, "Commands start with /. Type /help.")
		}
	}
	return scanner.Err()
}
