package channel

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andrej220/vwt/pkg/executor"
	shared "github.com/andrej220/vwt/pkg/shared-models"
)

// ParseSteps reads an interactive commands file. Each line is either a bare
// command (send and advance) or "command|pattern1,pattern2". Blank lines and lines
// starting with # are skipped. The last "|" separates the patterns, so commands may
// contain pipes.
func ParseSteps(r io.Reader) ([]shared.Step, error) {
	var steps []shared.Step
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		step := shared.Step{Command: line}
		if i := strings.LastIndex(line, "|"); i >= 0 {
			step.Command = strings.TrimSpace(line[:i])
			for _, p := range strings.Split(line[i+1:], ",") {
				if p = strings.TrimSpace(p); p != "" {
					step.Expect = append(step.Expect, p)
				}
			}
		}
		if step.Command == "" {
			return nil, fmt.Errorf("line %d: %w: empty command", n, executor.ErrConfigInvalid)
		}
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no commands found", executor.ErrConfigInvalid)
	}
	return steps, nil
}
