package wes

import "strings"

// ResolveOutputs pairs declared workflow outputs with the engine's raw output
// values, rewriting engine-scratch file paths to their retained location under
// outputDir. Declared outputs with no engine value get a nil value rather than
// being dropped, so callers always see the full declared set.
func ResolveOutputs(meta WorkflowMetadata, workflowName string, values map[string]any, tmpDir, outputDir string) map[string]RunOutput {
	resolved := make(map[string]RunOutput, len(meta.Outputs))
	for _, out := range meta.Outputs {
		value := values[NamespacedInput(workflowName, out.ID)]
		resolved[out.ID] = RunOutput{
			Type:  out.Type,
			Value: rewriteOutputValue(out.Type, value, tmpDir, outputDir),
		}
	}
	return resolved
}

// rewriteOutputValue maps an engine output value to its retained location.
// "File" values under the engine scratch directory move to the output
// directory; "Array[...]" values recurse element-wise with the inner type,
// preserving nesting. Nil values and non-file types pass through untouched.
func rewriteOutputValue(outputType string, value any, tmpDir, outputDir string) any {
	if value == nil {
		return nil
	}

	if inner, ok := arrayInnerType(outputType); ok {
		items, ok := value.([]any)
		if !ok {
			return value
		}
		rewritten := make([]any, len(items))
		for i, item := range items {
			rewritten[i] = rewriteOutputValue(inner, item, tmpDir, outputDir)
		}
		return rewritten
	}

	if outputType == "File" {
		path, ok := value.(string)
		if !ok {
			return value
		}
		if rest, found := strings.CutPrefix(path, tmpDir); found {
			return outputDir + rest
		}
		return path
	}

	return value
}

func arrayInnerType(outputType string) (string, bool) {
	if !strings.HasPrefix(outputType, "Array[") || !strings.HasSuffix(outputType, "]") {
		return "", false
	}
	return outputType[len("Array[") : len(outputType)-1], true
}

// Denest flattens arbitrarily nested slices into a single flat slice. Scalars
// come back as a one-element slice.
func Denest(value any) []any {
	items, ok := value.([]any)
	if !ok {
		return []any{value}
	}
	var flat []any
	for _, item := range items {
		flat = append(flat, Denest(item)...)
	}
	return flat
}
