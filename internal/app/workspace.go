package app

import (
	"fmt"
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Workspace is the optional HCL workspace config (buildpipe.hcl). It sets
// defaults for the same options the flags and environment expose; flags
// and environment take precedence.
type Workspace struct {
	Strategy               string `hcl:"strategy,optional"`
	Parallelism            int    `hcl:"parallelism,optional"`
	PickleCache            string `hcl:"pickle_cache,optional"`
	UseJar                 bool   `hcl:"use_jar,optional"`
	CacheMacroClassloader  bool   `hcl:"cache_macro_classloader,optional"`
	CachePluginClassloader bool   `hcl:"cache_plugin_classloader,optional"`
}

// LoadWorkspace parses an HCL workspace config file. The expression scope
// exposes cpu_count so parallelism can be derived from the machine, e.g.
// `parallelism = cpu_count / 2`.
func LoadWorkspace(path string) (*Workspace, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing workspace config %s: %w", path, diags)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"cpu_count": cty.NumberIntVal(int64(runtime.NumCPU())),
		},
	}

	var ws Workspace
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &ws); diags.HasErrors() {
		return nil, fmt.Errorf("decoding workspace config %s: %w", path, diags)
	}
	return &ws, nil
}
