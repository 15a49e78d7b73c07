package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/executor"
	shared "github.com/andrej220/vwt/pkg/shared-models"
)

type Phase int

const (
	PhaseSending Phase = iota
	PhaseAwaiting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Session is the cursor over an interactive step list. It does no I/O: the driver
// sends Current().Command, reports it with Sent, then feeds output until the step
// advances or the driver gives up with Timeout.
type Session struct {
	steps   []shared.Step
	cursor  int
	phase   Phase
	acc     strings.Builder
	sentAt  time.Time
	results []shared.StepResult
	err     error
}

func NewSession(steps []shared.Step) *Session {
	s := &Session{steps: steps}
	if len(steps) == 0 {
		s.phase = PhaseDone
	}
	return s
}

func (s *Session) Phase() Phase                 { return s.phase }
func (s *Session) Cursor() int                  { return s.cursor }
func (s *Session) Results() []shared.StepResult { return s.results }
func (s *Session) Err() error                   { return s.err }

func (s *Session) Current() shared.Step {
	if s.cursor >= len(s.steps) {
		return shared.Step{}
	}
	return s.steps[s.cursor]
}

// Sent records that the current step's command went out. Steps without patterns
// complete right away, and "exit" ends the whole session.
func (s *Session) Sent(at time.Time) {
	if s.phase != PhaseSending {
		return
	}
	s.sentAt = at
	step := s.Current()
	if strings.TrimSpace(step.Command) == "exit" {
		s.complete("")
		s.phase = PhaseDone
		return
	}
	if len(step.Expect) == 0 {
		s.complete("")
		return
	}
	s.phase = PhaseAwaiting
}

// Feed appends remote output and reports whether the current step matched. Output
// after the match is kept for the next step.
func (s *Session) Feed(chunk string) bool {
	if s.phase != PhaseAwaiting {
		s.acc.WriteString(chunk)
		return false
	}
	s.acc.WriteString(chunk)
	buf := s.acc.String()
	at, end := -1, 0
	for _, p := range s.Current().Expect {
		if p == "" {
			continue
		}
		if i := strings.Index(buf, p); i >= 0 && (at < 0 || i < at) {
			at, end = i, i+len(p)
		}
	}
	if at < 0 {
		return false
	}
	s.acc.Reset()
	s.acc.WriteString(buf[end:])
	s.complete(buf[:end])
	return true
}

// Timeout fails the current step because none of its patterns showed up.
func (s *Session) Timeout(after time.Duration) error {
	step := s.Current()
	s.fail(fmt.Errorf("step %d %q: %w: none of %q seen within %s",
		s.cursor+1, step.Command, executor.ErrInteractivePatternTimeout, step.Expect, after))
	return s.err
}

// Fail aborts the session with err, for example when the channel is lost.
func (s *Session) Fail(err error) {
	s.fail(err)
}

func (s *Session) fail(err error) {
	if s.phase == PhaseDone || s.phase == PhaseFailed {
		return
	}
	var took time.Duration
	if s.phase == PhaseAwaiting {
		took = time.Since(s.sentAt)
	}
	s.results = append(s.results, shared.StepResult{
		Command:  s.Current().Command,
		Output:   s.acc.String(),
		ExitCode: -1,
		Duration: took,
	})
	s.phase = PhaseFailed
	s.err = err
}

func (s *Session) complete(output string) {
	s.results = append(s.results, shared.StepResult{
		Command:  s.Current().Command,
		Output:   output,
		Success:  true,
		Duration: time.Since(s.sentAt),
	})
	s.cursor++
	if s.cursor >= len(s.steps) {
		s.phase = PhaseDone
		return
	}
	s.phase = PhaseSending
}
