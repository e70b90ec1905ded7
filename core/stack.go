package core

import (
	"regexp"
	"strconv"
	"strings"
)

const unknownFile = "unknown"

// frame is one parsed stack frame.
type frame struct {
	Func string
	File string
	Line int
	Col  int
}

var (
	// at fn (location)
	reCallFrame = regexp.MustCompile(`^\s*at\s+(.*?)\s+\((.*)\)\s*$`)
	// at location
	reBareFrame = regexp.MustCompile(`^\s*at\s+(.+?)\s*$`)
	// file:line[:col] with the position at the end
	reLocation = regexp.MustCompile(`^(.*?):(\d+)(?::(\d+))?$`)
	// V8 eval origin: "eval at fn (outer), file:line:col"
	reEvalOrigin = regexp.MustCompile(`^eval at .*,\s*(.+)$`)
)

// placeholders are file names engines give to code without a real origin.
var placeholders = map[string]bool{
	"<input>":     true,
	"<eval>":      true,
	"<anonymous>": true,
	"hostjs:eval": true,
	"":            true,
}

// parseStack extracts frames from an Error.stack string written by V8 or
// QuickJS. Frames belonging to the host harness (functions named
// __host*) end the trace.
func parseStack(stack, scriptName string) []frame {
	var frames []frame
	for _, line := range strings.Split(stack, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "at ") {
			continue
		}
		var fn, loc string
		if m := reCallFrame.FindStringSubmatch(trimmed); m != nil {
			fn, loc = m[1], m[2]
		} else if m := reBareFrame.FindStringSubmatch(trimmed); m != nil {
			loc = m[1]
		} else {
			continue
		}
		if strings.HasPrefix(fn, "__host") {
			break
		}
		if m := reEvalOrigin.FindStringSubmatch(loc); m != nil {
			loc = m[1]
		}
		if loc == "native" {
			continue
		}
		f := frame{Func: fn, File: loc}
		if m := reLocation.FindStringSubmatch(loc); m != nil {
			f.File = m[1]
			f.Line, _ = strconv.Atoi(m[2])
			if m[3] != "" {
				f.Col, _ = strconv.Atoi(m[3])
			}
		}
		if placeholders[f.File] {
			f.File = scriptName
		}
		if f.File == "" {
			f.File = unknownFile
		}
		frames = append(frames, f)
	}
	return frames
}
