// Package setup scaffolds a conductor project directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	atomicyaml "github.com/msageha/conductor/internal/yaml"
	"github.com/msageha/conductor/templates"
)

// DirName is the project-local directory holding config, items, locks and logs.
const DirName = ".conductor"

// Run creates .conductor/ under projectDir with a default config.yaml and an
// empty items.yaml. It refuses to touch an existing directory.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfgData, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(cfgData, &cfg); err != nil {
		return "", fmt.Errorf("parse config template: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "config.yaml"), cfgData); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	itemsData, err := fs.ReadFile(templates.FS, "items.yaml")
	if err != nil {
		return "", fmt.Errorf("read items template: %w", err)
	}
	if err := atomicyaml.ValidateSchemaHeaderFromBytes(itemsData, atomicyaml.FileTypeWorkItems); err != nil {
		return "", fmt.Errorf("items template: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, cfg.Source.Path), itemsData); err != nil {
		return "", fmt.Errorf("write items file: %w", err)
	}

	return base, nil
}
