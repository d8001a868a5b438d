package main

import (
	"fmt"
	"os"

	"github.com/cuemby/acecore/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register an analysis module type from a YAML file",
	Long: `Apply an AMT definition from a YAML file, registering it against
the core's Module Registry.

Example:
  acecore amt apply -f basic_test.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	amtCmd.AddCommand(applyCmd)
}

// amtResource is the YAML document shape accepted by "amt apply",
// generalizing the teacher's WarrenResource envelope (apiVersion/kind/
// metadata/spec) onto an AnalysisModuleType payload instead of a
// service/secret/volume one.
type amtResource struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   amtMetadata     `yaml:"metadata"`
	Spec       amtResourceSpec `yaml:"spec"`
}

type amtMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type amtResourceSpec struct {
	Description         string   `yaml:"description"`
	ObservableTypes     []string `yaml:"observableTypes,omitempty"`
	Directives          []string `yaml:"directives,omitempty"`
	Dependencies        []string `yaml:"dependencies,omitempty"`
	Modes               []string `yaml:"modes,omitempty"`
	Version             string   `yaml:"version"`
	Timeout             int      `yaml:"timeout,omitempty"`
	CacheTTL            *int     `yaml:"cacheTTL,omitempty"`
	AdditionalCacheKeys []string `yaml:"additionalCacheKeys,omitempty"`
	ExtendedVersion     []string `yaml:"extendedVersion,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var resource amtResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if resource.Kind != "" && resource.Kind != "AnalysisModuleType" {
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
	if resource.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	sys, err := newSystem(cmd)
	if err != nil {
		return fmt.Errorf("constructing core system: %w", err)
	}
	defer sys.Stop()

	amt := &types.AnalysisModuleType{
		Name:                resource.Metadata.Name,
		Description:         resource.Spec.Description,
		ObservableTypes:     resource.Spec.ObservableTypes,
		Directives:          resource.Spec.Directives,
		Dependencies:        resource.Spec.Dependencies,
		Modes:               resource.Spec.Modes,
		Version:             resource.Spec.Version,
		Timeout:             resource.Spec.Timeout,
		CacheTTL:            resource.Spec.CacheTTL,
		AdditionalCacheKeys: resource.Spec.AdditionalCacheKeys,
		ExtendedVersion:     resource.Spec.ExtendedVersion,
	}

	if err := sys.Registry.Register(amt); err != nil {
		return fmt.Errorf("failed to register amt: %w", err)
	}

	fmt.Printf("✓ AMT registered: %s (version=%s)\n", amt.Name, amt.Version)
	return nil
}
