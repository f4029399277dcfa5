package routing

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ravensworth/turnloop/pkg/models"
)

// codeExtensions is the enumerated set of file extensions (and bare
// filenames) that mark a filesystem read/write as coding activity.
var codeExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".go": {}, ".rs": {},
	".rb": {}, ".sh": {}, ".c": {}, ".cpp": {}, ".cs": {}, ".kt": {},
	".scala": {}, ".swift": {}, ".lua": {}, ".r": {}, ".pl": {}, ".php": {},
	".sql": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".gradle": {},
	".cmake": {},
}

var codeBareFilenames = map[string]struct{}{
	"makefile": {}, "dockerfile": {},
}

// codeToolchainCommands is the enumerated set of first-token shell commands
// that mark a shell invocation as coding activity.
var codeToolchainCommands = map[string]struct{}{
	"python": {}, "node": {}, "npm": {}, "npx": {}, "pip": {}, "mvn": {},
	"gradle": {}, "gcc": {}, "g++": {}, "cargo": {}, "go": {}, "rustc": {},
	"pytest": {}, "make": {}, "cmake": {}, "javac": {}, "dotnet": {},
	"ruby": {}, "tsc": {}, "webpack": {}, "esbuild": {}, "jest": {}, "mocha": {},
	"yarn": {},
}

// stackTraceMarkers matches tool result content containing a stack trace.
var stackTraceMarkers = regexp.MustCompile(`Traceback|SyntaxError|NullPointerException|at com\.|at org\.|panic:|error\[E`)

const (
	toolFilesystemWrite = "filesystem.write_file"
	toolFilesystemRead  = "filesystem.read_file"
	toolShell           = "shell"
)

// TierUpgradePolicy scans the tool calls and results appended during the
// current turn and recommends an upgrade to the coding tier when it detects
// coding activity (C4). It never downgrades.
type TierUpgradePolicy struct{}

// Evaluate returns (models.TierCoding, true) when upgrade-worthy activity is
// detected and the turn is eligible for upgrade; otherwise it returns
// currentTier unchanged.
func (TierUpgradePolicy) Evaluate(calls []models.ToolCall, outcomes []models.ToolExecutionOutcome, currentTier models.Tier, forced bool) (models.Tier, bool) {
	if forced {
		return currentTier, false
	}
	if currentTier == models.TierCoding || currentTier == models.TierDeep {
		return currentTier, false
	}
	if !detectsCodingActivity(calls, outcomes) {
		return currentTier, false
	}
	return models.TierCoding, true
}

func detectsCodingActivity(calls []models.ToolCall, outcomes []models.ToolExecutionOutcome) bool {
	for _, call := range calls {
		switch call.Name {
		case toolFilesystemWrite, toolFilesystemRead:
			if isCodePath(stringArg(call.Arguments, "path")) {
				return true
			}
		case toolShell:
			if isToolchainCommand(stringArg(call.Arguments, "command")) {
				return true
			}
		}
	}
	for _, outcome := range outcomes {
		if stackTraceMarkers.MatchString(outcome.ResultText) {
			return true
		}
	}
	return false
}

func isCodePath(path string) bool {
	if path == "" {
		return false
	}
	base := strings.ToLower(filepath.Base(path))
	if _, ok := codeBareFilenames[base]; ok {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := codeExtensions[ext]
	return ok
}

func isToolchainCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	_, ok := codeToolchainCommands[strings.ToLower(fields[0])]
	return ok
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return v
}
