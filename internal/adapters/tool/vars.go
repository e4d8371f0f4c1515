package tool

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Placeholder names understood by collector and analyzer command lines.
const (
	VarToolsPath     = "toolsPath"
	VarOutputDir     = "outputDir"
	VarStartTime     = "startTime"
	VarEndTime       = "endTime"
	VarLogFile       = "logFile"
	VarInstanceName  = "instanceName"
	VarSessionID     = "sessionId"
	VarDiagnoserName = "diagnoserName"
	VarTempDir       = "tempDir"
)

// TimeFormat is how time placeholders are rendered.
const TimeFormat = time.RFC3339

var placeholderPattern = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

// Vars is the placeholder table for one invocation. Keys match
// case-insensitively.
type Vars map[string]string

// Merge returns a copy of v with extra layered on top.
func (v Vars) Merge(extra Vars) Vars {
	out := make(Vars, len(v)+len(extra))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range extra {
		out[k] = val
	}
	return out
}

func (v Vars) lookup(name string) (string, bool) {
	if val, ok := v[name]; ok {
		return val, true
	}
	for k, val := range v {
		if strings.EqualFold(k, name) {
			return val, true
		}
	}
	return "", false
}

// ExpandVariables replaces %name% placeholders from vars, then from the
// process environment. Unknown placeholders are left untouched.
func ExpandVariables(s string, vars Vars) string {
	if !strings.Contains(s, "%") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if val, ok := vars.lookup(name); ok {
			return val
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return m
	})
}

// SplitArgs splits a command line into arguments. Single and double quotes
// group words; inside double quotes a backslash escapes a quote or another
// backslash. Other backslashes are literal so Windows paths survive.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			if r != '"' && r != '\\' {
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case quote == '"' && r == '\\':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, s)
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}

// ExpandCommandLine expands placeholders in command and arguments and
// splits the arguments. Expansion happens per argument so substituted
// values containing spaces stay one argument.
func ExpandCommandLine(command, arguments string, vars Vars) (string, []string, error) {
	raw, err := SplitArgs(arguments)
	if err != nil {
		return "", nil, err
	}
	args := make([]string, len(raw))
	for i, a := range raw {
		args[i] = ExpandVariables(a, vars)
	}
	return ExpandVariables(command, vars), args, nil
}
