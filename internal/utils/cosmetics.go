package utils

import "os"

// Color is an ANSI SGR escape sequence.
type Color string

const (
	Reset  Color = "\033[0m"
	Red    Color = "\033[31m"
	Green  Color = "\033[32m"
	Yellow Color = "\033[33m"
	Cyan   Color = "\033[36m"
)

// ColorEnabled reports whether stderr output may carry escapes. A non-empty
// NO_COLOR or a dumb terminal turns them off.
func ColorEnabled() bool {
	return os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

// LevelTag renders a log prefix such as "[INFO]: ". An empty color leaves it
// plain.
func LevelTag(level string, c Color) string {
	tag := "[" + level + "]: "
	if c == "" {
		return tag
	}
	return string(c) + tag + string(Reset)
}
