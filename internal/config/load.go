package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineFileExts are the extensions recognized as pipeline definitions.
var PipelineFileExts = []string{".yaml", ".yml"}

// LoadResult pairs a parsed pipeline config with its source path and any
// parse error, so the validator pipeline can report structural failures
// without the loader deciding severity.
type LoadResult struct {
	Path     string
	Config   *PipelineConfig
	ParseErr error
}

// LoadPipeline reads, parses, and default-resolves one pipeline file. Parse
// failures are returned in LoadResult.ParseErr rather than as a hard error so
// the structure validator can surface them; I/O failures are hard errors.
func LoadPipeline(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading pipeline %s: %w", path, err)
	}

	res := &LoadResult{Path: path}
	var pc PipelineConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&pc); err != nil {
		res.ParseErr = fmt.Errorf("config: parsing %s: %w", path, err)
		return res, nil
	}

	ApplyDefaults(&pc)
	res.Config = &pc
	return res, nil
}

// FindPipeline locates the definition file for the named pipeline inside
// dir, trying <name>.yaml then <name>.yml, then falling back to scanning
// every pipeline file for a matching name field.
func FindPipeline(dir, name string) (string, error) {
	for _, ext := range PipelineFileExts {
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	paths, err := ListPipelineFiles(dir)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		res, err := LoadPipeline(p)
		if err != nil || res.Config == nil {
			continue
		}
		if res.Config.Name == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: pipeline %q not found in %s", name, dir)
}

// ListPipelineFiles returns all pipeline definition files in dir, sorted by
// name. A missing directory yields an empty list, not an error.
func ListPipelineFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: listing pipelines in %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range PipelineFileExts {
			if ext == known {
				paths = append(paths, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadAllPipelines parses every pipeline file in dir. Unparseable files are
// returned with their ParseErr set; only I/O failures abort the listing.
func LoadAllPipelines(dir string) ([]*LoadResult, error) {
	paths, err := ListPipelineFiles(dir)
	if err != nil {
		return nil, err
	}
	results := make([]*LoadResult, 0, len(paths))
	for _, p := range paths {
		res, err := LoadPipeline(p)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
