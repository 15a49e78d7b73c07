// Package processor applies configurable processor chains to lines of remote
// output.
package processor

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	ProcessorTypeTrimCR     string = "trim_cr"
	ProcessorTypeSplitLines string = "split_lines"
	ProcessorTypeInclude    string = "include"
	ProcessorTypeExclude    string = "exclude"
)

// Processor defines the interface for processing string slices.
type Processor interface {
	Process([]string) ([]string, error)
	Name() string
}

// ProcessorChain manages a collection of processors and applies them in sequence.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.Register(&TrimCRProcessor{})
	pc.Register(&SplitLinesProcessor{})
	return pc
}

// Register adds a processor to the chain, replacing one with the same name.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Process applies the named processors to lines in the given order.
func (pc *ProcessorChain) Process(lines []string, processorNames ...string) ([]string, error) {
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	result := lines
	for _, name := range processorNames {
		if len(result) == 0 {
			break
		}
		var err error
		result, err = pc.processors[name].Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

// TrimCRProcessor drops trailing carriage returns left by terminals and CRLF files.
type TrimCRProcessor struct{}

func (p *TrimCRProcessor) Name() string { return ProcessorTypeTrimCR }
func (p *TrimCRProcessor) Process(lines []string) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strings.TrimRight(line, "\r")
	}
	return out, nil
}

// SplitLinesProcessor splits entries with embedded newlines into separate lines.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }
func (p *SplitLinesProcessor) Process(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.Split(line, "\n")...)
	}
	return out, nil
}

// RegexProcessor keeps (include) or drops (exclude) lines matching any pattern. An
// empty pattern set passes every line.
type RegexProcessor struct {
	name     string
	keep     bool
	patterns []*regexp.Regexp
}

func NewIncludeProcessor(patterns []string) (*RegexProcessor, error) {
	return newRegexProcessor(ProcessorTypeInclude, true, patterns)
}

func NewExcludeProcessor(patterns []string) (*RegexProcessor, error) {
	return newRegexProcessor(ProcessorTypeExclude, false, patterns)
}

func newRegexProcessor(name string, keep bool, patterns []string) (*RegexProcessor, error) {
	p := &RegexProcessor{name: name, keep: keep}
	for _, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %q: %w", name, expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

func (p *RegexProcessor) Name() string { return p.name }

func (p *RegexProcessor) Process(lines []string) ([]string, error) {
	if len(p.patterns) == 0 {
		return lines, nil
	}
	out := lines[:0:0]
	for _, line := range lines {
		if p.matches(line) == p.keep {
			out = append(out, line)
		}
	}
	return out, nil
}

func (p *RegexProcessor) matches(line string) bool {
	for _, re := range p.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// LineFilter is the chain applied to captured log lines: CR trim, include, exclude.
type LineFilter struct {
	chain *ProcessorChain
}

func NewLineFilter(include, exclude []string) (*LineFilter, error) {
	in, err := NewIncludeProcessor(include)
	if err != nil {
		return nil, err
	}
	ex, err := NewExcludeProcessor(exclude)
	if err != nil {
		return nil, err
	}
	pc := NewProcessorChain()
	pc.Register(in)
	pc.Register(ex)
	return &LineFilter{chain: pc}, nil
}

func (f *LineFilter) Apply(lines []string) []string {
	// every processor of the chain is registered, so Process cannot fail
	out, _ := f.chain.Process(lines, ProcessorTypeTrimCR, ProcessorTypeInclude, ProcessorTypeExclude)
	return out
}

// ParseKeyValues reads "key: value" lines. A single entry with embedded newlines is
// split first; lines without a colon are skipped.
func ParseKeyValues(lines []string) (map[string]string, error) {
	kv := make(map[string]string)
	if len(lines) == 1 {
		lines = strings.Split(strings.TrimSpace(lines[0]), "\n")
	}
	for _, line := range lines {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = strings.TrimSpace(parts[1])
	}
	return kv, nil
}
