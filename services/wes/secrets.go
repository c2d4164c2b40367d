package wes

import (
	"fmt"
	"strings"
)

// RedactionMarker replaces secret values in any text surface that might be
// persisted or displayed.
const RedactionMarker = "<redacted>"

// SecretResolver maps a secret key to its value at execution time.
type SecretResolver interface {
	ResolveSecret(key string) (string, error)
}

// MissingSecretError means a declared secret input has no configured value.
// The run cannot proceed; injecting an empty value would hand the engine a
// silently broken parameter set.
type MissingSecretError struct {
	Key string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("no secret configured for key %q", e.Key)
}

// EnvSecretResolver reads secrets from a fixed map, typically loaded from the
// process environment at startup.
type EnvSecretResolver map[string]string

func (r EnvSecretResolver) ResolveSecret(key string) (string, error) {
	value, ok := r[key]
	if !ok {
		return "", &MissingSecretError{Key: key}
	}
	return value, nil
}

// InjectSecrets returns a copy of params with every declared secret input
// resolved and filled in under its namespaced name. The returned map is for
// handing to the execution engine only; the stored request keeps the original
// params without secret values.
func InjectSecrets(params map[string]any, meta WorkflowMetadata, resolver SecretResolver) (map[string]any, error) {
	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}

	if resolver == nil {
		return merged, nil
	}
	for _, input := range meta.Inputs {
		if input.Type != InputKindSecret {
			continue
		}
		key := input.Key
		if key == "" {
			key = input.ID
		}
		value, err := resolver.ResolveSecret(key)
		if err != nil {
			return nil, fmt.Errorf("secret input %q: %w", input.ID, err)
		}
		merged[NamespacedInput(meta.ID, input.ID)] = value
	}
	return merged, nil
}

// SecretValues extracts the secret input values present in params, keyed by
// namespaced input name. Used to build the redaction set for a run.
func SecretValues(params map[string]any, meta WorkflowMetadata) []string {
	var values []string
	for _, input := range meta.Inputs {
		if input.Type != InputKindSecret {
			continue
		}
		if v, ok := params[NamespacedInput(meta.ID, input.ID)].(string); ok {
			values = append(values, v)
		}
	}
	return values
}

// Redact replaces every occurrence of each secret value in text with the
// redaction marker. Values of length one or less are skipped: substituting
// single characters would mangle the text without hiding anything.
func Redact(text string, secrets []string) string {
	for _, secret := range secrets {
		if len(secret) <= 1 {
			continue
		}
		text = strings.ReplaceAll(text, secret, RedactionMarker)
	}
	return text
}
