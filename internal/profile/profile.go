// Package profile loads per-package build overrides from an HCL file. Each
// package block can add toolchain arguments or exclude the package from
// enqueueing entirely.
package profile

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// Profile is the override set for one package.
type Profile struct {
	Name      string
	ExtraArgs []string
	Skip      bool
}

// Set maps package names to their profiles.
type Set map[string]Profile

// Lookup returns the profile for a package, zero-valued when absent.
func (s Set) Lookup(name string) Profile {
	if p, ok := s[name]; ok {
		return p
	}
	return Profile{Name: name}
}

// Load parses a profiles file of the form:
//
//	package "foo" {
//	  extra_args = ["-d"]
//	  skip       = false
//	}
//
// A missing file yields an empty set.
func Load(path string) (Set, error) {
	if _, err := os.Stat(path); err != nil {
		return Set{}, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse profiles file: %s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected body type: %T", file.Body)
	}

	set := make(Set)
	for _, block := range body.Blocks {
		if block.Type != "package" || len(block.Labels) == 0 {
			continue
		}
		name := block.Labels[0]
		p := Profile{Name: name}

		attrs, diags := block.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to read attributes for package %s: %s", name, diags.Error())
		}

		if attr, ok := attrs["extra_args"]; ok {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to evaluate extra_args for package %s: %s", name, diags.Error())
			}
			if !val.CanIterateElements() {
				return nil, fmt.Errorf("extra_args for package %s must be a list of strings", name)
			}
			for it := val.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				if elem.Type() != cty.String {
					return nil, fmt.Errorf("extra_args for package %s must be a list of strings", name)
				}
				p.ExtraArgs = append(p.ExtraArgs, elem.AsString())
			}
		}

		if attr, ok := attrs["skip"]; ok {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() || val.Type() != cty.Bool {
				return nil, fmt.Errorf("skip for package %s must be a bool", name)
			}
			p.Skip = val.True()
		}

		set[name] = p
	}
	return set, nil
}
