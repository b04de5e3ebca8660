// Package prompts provides the embedded prompt templates.
package prompts

import "embed"

// FS contains the default prompt files.
//
//go:embed *.txt
var FS embed.FS
