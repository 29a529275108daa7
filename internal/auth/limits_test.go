package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"example.com/vigil/internal/config"
)

func TestEffectiveBodyLimitDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxBodyBytes, EffectiveBodyLimit(nil, config.DefaultBodySizeRules))

	u := &User{Name: "viewer", Permissions: []Permission{{Pattern: "status/query"}}}
	assert.Equal(t, DefaultMaxBodyBytes, EffectiveBodyLimit(u, config.DefaultBodySizeRules))
}

func TestEffectiveBodyLimitRaisedByRule(t *testing.T) {
	u := &User{Name: "admin", Permissions: []Permission{{Pattern: "config/*"}}}
	limit := EffectiveBodyLimit(u, config.DefaultBodySizeRules)
	assert.Equal(t, int64(512*1024*1024), limit)

	// A wildcard permission matches every rule name.
	root := &User{Name: "root", Permissions: []Permission{{Pattern: "*"}}}
	assert.Equal(t, int64(512*1024*1024), EffectiveBodyLimit(root, config.DefaultBodySizeRules))
}

func TestEffectiveBodyLimitPerPermissionOverride(t *testing.T) {
	u := &User{Name: "bulk", Permissions: []Permission{
		{Pattern: "status/query", MaxContentLength: 8 * 1024 * 1024},
	}}
	assert.Equal(t, int64(8*1024*1024), EffectiveBodyLimit(u, nil))
}

func TestEffectiveBodyLimitNeverLowered(t *testing.T) {
	// Overrides and rules below the default must not shrink the ceiling.
	u := &User{Name: "tiny", Permissions: []Permission{
		{Pattern: "status/query", MaxContentLength: 10},
	}}
	rules := []config.BodySizeRule{{Permission: "status/query", MaxBytes: 512}}
	assert.Equal(t, DefaultMaxBodyBytes, EffectiveBodyLimit(u, rules))
}

func TestEffectiveBodyLimitPicksMaximum(t *testing.T) {
	u := &User{Name: "mixed", Permissions: []Permission{
		{Pattern: "config/modify", MaxContentLength: 2 * 1024 * 1024},
		{Pattern: "objects/*"},
	}}
	rules := []config.BodySizeRule{
		{Permission: "config/modify", MaxBytes: 4 * 1024 * 1024},
		{Permission: "objects/create", MaxBytes: 3 * 1024 * 1024},
	}
	assert.Equal(t, int64(4*1024*1024), EffectiveBodyLimit(u, rules))
}
