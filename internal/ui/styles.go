package ui

import "strconv"

// ANSI 256-color codes used by the CLI.
const (
	colorAccent = 74  // blue: group headers and labels
	colorCmd    = 250 // light gray: command names
	colorMuted  = 245 // medium gray: defaults and secondary values
)

var noColor = !ShouldUseColor()

func paint(code int, s string) string {
	if noColor || s == "" {
		return s
	}
	return "\x1b[38;5;" + strconv.Itoa(code) + "m" + s + "\x1b[0m"
}

// RenderAccent styles headers and labels.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted styles secondary text.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand styles a command name.
func RenderCommand(s string) string { return paint(colorCmd, s) }

// ForceNoColor disables color output globally, as --no-color does.
func ForceNoColor() {
	noColor = true
}
