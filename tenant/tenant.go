// Package tenant assembles per-project configuration and defines the
// ownership contract the kernel checks before running tenant tasks.
//
// Configuration is built from three layers, each shallow-merged over the
// previous one:
//
//	system defaults          (daemon configuration)
//	<dir>/<project>/profile  generated profile document
//	<dir>/<project>/custom   tenant overrides
//
// Documents may be YAML or JSON (.yaml, .yml or .json).
package tenant

import "context"

// Config is a merged tenant configuration. Top-level keys of later layers
// replace earlier ones; nested values are not merged.
type Config map[string]any

// Merge shallow-merges layers left to right into a new Config.
// Nil layers are skipped.
func Merge(layers ...Config) Config {
	out := Config{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// String returns a string value, or "" when absent or not a string.
func (c Config) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// OwnershipStore answers the two questions the kernel asks before running a
// tenant task.
type OwnershipStore interface {
	// VerifyOwnership reports whether tenantID owns projectID.
	VerifyOwnership(ctx context.Context, tenantID, projectID string) (bool, error)

	// ResolveActiveProject returns the tenant's single active project, or ""
	// when it has none or more than one.
	ResolveActiveProject(ctx context.Context, tenantID string) (string, error)
}
