package agent

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

const (
	// signatureWindow is how many batch signatures are retained.
	signatureWindow = 15

	// Consecutive-identical-batch tolerance per tool class. Deep
	// directory traversal legitimately repeats exploration calls, so
	// read-only tools get the most slack. Tunable heuristics.
	explorationThreshold  = 10
	modificationThreshold = 2
	defaultThreshold      = 3

	bashSignatureChars = 100
)

// loopDetector watches for runs of functionally identical tool-call
// batches and tells the orchestrator to stop the turn.
type loopDetector struct {
	window []string
}

func newLoopDetector() *loopDetector {
	return &loopDetector{}
}

// Record adds the current batch and reports whether the loop must be
// terminated.
func (d *loopDetector) Record(batch []llm.ContentBlock) bool {
	signature := batchSignature(batch)
	if signature == "" {
		return false
	}

	d.window = append(d.window, signature)
	if len(d.window) > signatureWindow {
		d.window = d.window[len(d.window)-signatureWindow:]
	}

	threshold := batchThreshold(batch)
	if len(d.window) < threshold {
		return false
	}
	for _, prev := range d.window[len(d.window)-threshold:] {
		if prev != signature {
			return false
		}
	}
	return true
}

// batchSignature is the ordered comma-join of per-call signatures, so
// a batch of two different calls never matches a batch of one.
func batchSignature(batch []llm.ContentBlock) string {
	parts := make([]string, 0, len(batch))
	for _, block := range batch {
		if block.Type != llm.BlockToolUse {
			continue
		}
		parts = append(parts, callSignature(block.Name, string(block.Input)))
	}
	return strings.Join(parts, ",")
}

// callSignature reduces one invocation to the tool name plus the
// argument most likely to distinguish semantically different calls.
func callSignature(name, input string) string {
	switch name {
	case "ls":
		if path := extractPath(input, "path"); path != "" {
			return name + ":" + path
		}
	case "glob":
		if pattern := gjson.Get(input, "pattern").String(); pattern != "" {
			return name + ":" + pattern
		}
	case "grep":
		pattern := gjson.Get(input, "pattern").String()
		path := extractPath(input, "path")
		if pattern != "" || path != "" {
			return name + ":" + pattern + ":" + path
		}
	case "read_file", "write_file", "edit_file":
		if path := extractPath(input, "path"); path != "" {
			return name + ":" + path
		}
		if path := extractPath(input, "file_path"); path != "" {
			return name + ":" + path
		}
	case "bash":
		command := gjson.Get(input, "command").String()
		if command != "" {
			if len(command) > bashSignatureChars {
				command = command[:bashSignatureChars]
			}
			return name + ":" + command
		}
	case "plan":
		operation := gjson.Get(input, "operation").String()
		if operation != "" {
			if title := gjson.Get(input, "title").String(); title != "" {
				return name + ":" + operation + ":" + title
			}
			return name + ":" + operation
		}
	}
	return name
}

func extractPath(input, field string) string {
	path := gjson.Get(input, field).String()
	// Windows separators would make the same path look distinct.
	return strings.ReplaceAll(path, "\\", "/")
}

// batchThreshold classifies the batch by its most sensitive member:
// one mutating call makes the whole batch mutating.
func batchThreshold(batch []llm.ContentBlock) int {
	threshold := explorationThreshold
	for _, block := range batch {
		if block.Type != llm.BlockToolUse {
			continue
		}
		switch classifyTool(block.Name) {
		case toolClassModification:
			return modificationThreshold
		case toolClassOther:
			threshold = defaultThreshold
		}
	}
	return threshold
}

type toolClass int

const (
	toolClassExploration toolClass = iota
	toolClassModification
	toolClassOther
)

func classifyTool(name string) toolClass {
	switch name {
	case "read_file", "ls", "glob", "grep":
		return toolClassExploration
	case "write_file", "edit_file", "bash":
		return toolClassModification
	default:
		return toolClassOther
	}
}
