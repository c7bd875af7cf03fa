package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"language": map[string]interface{}{
				"type": "string",
			},
			"maxResults": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
			},
		},
		"required": []string{"language"},
	}
}

func TestCompilerPrepare(t *testing.T) {
	compiler := NewCompilerWithCache(64)

	err := compiler.Prepare(context.Background(), paramsSchema())
	require.NoError(t, err)
}

func TestCompilerValidate(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()
	schema := paramsSchema()

	require.NoError(t, compiler.Prepare(ctx, schema))

	err := compiler.Validate(ctx, schema, map[string]interface{}{
		"language":   "en",
		"maxResults": 10,
	})
	assert.NoError(t, err)

	// Missing required field.
	err = compiler.Validate(ctx, schema, map[string]interface{}{"maxResults": 10})
	assert.Error(t, err)

	// Constraint violation.
	err = compiler.Validate(ctx, schema, map[string]interface{}{
		"language":   "en",
		"maxResults": 0,
	})
	assert.Error(t, err)
}

func TestCompilerValidateCompilesOnFirstUse(t *testing.T) {
	compiler := NewCompilerWithCache(64)

	// No Prepare call; Validate compiles lazily.
	err := compiler.Validate(context.Background(), paramsSchema(), map[string]interface{}{
		"language": "de",
	})
	assert.NoError(t, err)
}

func TestCompilerRefAllowlist(t *testing.T) {
	compiler := NewCompilerWithCacheAndAllowlist(64, []string{"https://schemas.example.com/*"})
	ctx := context.Background()

	blocked := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nested": map[string]interface{}{
				"$ref": "https://evil.example.org/schema.json",
			},
		},
	}
	err := compiler.Prepare(ctx, blocked)
	assert.Error(t, err)
}
