// Package templates embeds the default project files written by conductor init.
package templates

import "embed"

//go:embed config.yaml items.yaml
var FS embed.FS
