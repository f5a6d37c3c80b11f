package chain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jobmesh/jobmesh/internal/store"
)

// Resolver materialises a spec's params against the chain context and prior
// job results. Directives are removed from the resolved map:
//
//	paths_from_artifact: "K"        → resolved["paths"] = artifact K's value
//	inputs_from_job_result: {...}   → resolved[target_param] = walked value
//	transforms: [...]               → applied to the extracted list
type Resolver struct {
	lookup func(jobID string) (*store.Job, error)
}

// NewResolver creates a resolver. lookup fetches prior jobs for
// inputs_from_job_result directives.
func NewResolver(lookup func(jobID string) (*store.Job, error)) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the spec's resolved params. The input params are not
// mutated.
func (r *Resolver) Resolve(chain *store.ChainContext, spec store.ChainSpec) (map[string]any, error) {
	resolved := make(map[string]any, len(spec.Params))
	for k, v := range spec.Params {
		resolved[k] = v
	}

	var extractedKey string

	if key, ok := resolved["paths_from_artifact"].(string); ok {
		art, found := chain.Artifacts[key]
		if !found {
			return nil, fmt.Errorf("artifact %q not present in chain %s", key, chain.ChainID)
		}
		delete(resolved, "paths_from_artifact")
		resolved["paths"] = art.Value
		extractedKey = "paths"
	}

	if raw, ok := resolved["inputs_from_job_result"].(map[string]any); ok {
		jobID, _ := raw["job_id"].(string)
		jsonPath, _ := raw["json_path"].(string)
		target, _ := raw["target_param"].(string)
		if jobID == "" || target == "" {
			return nil, fmt.Errorf("inputs_from_job_result requires job_id and target_param")
		}
		if r.lookup == nil {
			return nil, fmt.Errorf("no job lookup configured")
		}
		job, err := r.lookup(jobID)
		if err != nil {
			return nil, fmt.Errorf("referenced job %s: %w", jobID, err)
		}
		if job.Result == nil {
			return nil, fmt.Errorf("referenced job %s has no result", jobID)
		}
		var value any = map[string]any(job.Result.Data)
		if jsonPath != "" {
			walked, err := walkPath(value, jsonPath)
			if err != nil {
				return nil, fmt.Errorf("walk %q in job %s: %w", jsonPath, jobID, err)
			}
			value = walked
		}
		delete(resolved, "inputs_from_job_result")
		resolved[target] = value
		extractedKey = target
	}

	if raw, ok := resolved["transforms"]; ok {
		delete(resolved, "transforms")
		if extractedKey == "" {
			return resolved, nil
		}
		list, ok := asList(resolved[extractedKey])
		if !ok {
			return nil, fmt.Errorf("transforms require a list value under %q", extractedKey)
		}
		transforms, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("transforms must be a list")
		}
		out, err := applyTransforms(list, transforms)
		if err != nil {
			return nil, err
		}
		resolved[extractedKey] = out
	}

	return resolved, nil
}

// walkPath follows a dotted path with numeric segments or bracket indices
// ("files.0.path", "files[0].path") through maps and lists.
func walkPath(root any, path string) (any, error) {
	cur := root
	for _, seg := range splitPath(path) {
		if seg == "" {
			continue
		}
		if idx, err := strconv.Atoi(seg); err == nil {
			list, ok := asList(cur)
			if !ok {
				return nil, fmt.Errorf("segment %q indexes a non-list", seg)
			}
			if idx < 0 || idx >= len(list) {
				return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(list))
			}
			cur = list[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("segment %q descends into a non-object", seg)
		}
		v, found := m[seg]
		if !found {
			return nil, fmt.Errorf("key %q not found", seg)
		}
		cur = v
	}
	return cur, nil
}

func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.Split(path, ".")
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// applyTransforms evaluates the transform pipeline left to right.
// Supported: "take_first:N", "unique", "filter_suffix:a,b" or the map form
// {"filter_suffix": [...]}.
func applyTransforms(list []any, transforms []any) ([]any, error) {
	for _, t := range transforms {
		switch tv := t.(type) {
		case string:
			switch {
			case tv == "unique":
				list = uniqueList(list)
			case strings.HasPrefix(tv, "take_first:"):
				n, err := strconv.Atoi(strings.TrimPrefix(tv, "take_first:"))
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid transform %q", tv)
				}
				if n < len(list) {
					list = list[:n]
				}
			case strings.HasPrefix(tv, "filter_suffix:"):
				list = filterSuffix(list, strings.Split(strings.TrimPrefix(tv, "filter_suffix:"), ","))
			default:
				return nil, fmt.Errorf("unknown transform %q", tv)
			}
		case map[string]any:
			raw, ok := tv["filter_suffix"]
			if !ok {
				return nil, fmt.Errorf("unknown transform %v", tv)
			}
			items, ok := asList(raw)
			if !ok {
				return nil, fmt.Errorf("filter_suffix requires a list of suffixes")
			}
			suffixes := make([]string, 0, len(items))
			for _, it := range items {
				if s, ok := it.(string); ok {
					suffixes = append(suffixes, s)
				}
			}
			list = filterSuffix(list, suffixes)
		default:
			return nil, fmt.Errorf("unknown transform type %T", t)
		}
	}
	return list, nil
}

func uniqueList(list []any) []any {
	seen := make(map[string]bool, len(list))
	out := make([]any, 0, len(list))
	for _, v := range list {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func filterSuffix(list []any, suffixes []string) []any {
	out := make([]any, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, suf := range suffixes {
			if suf != "" && strings.HasSuffix(s, suf) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}
