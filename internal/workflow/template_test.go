package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlaceholders_Substitution(t *testing.T) {
	template := map[string]interface{}{
		"6": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs": map[string]interface{}{
				"text": "{{prompt}}",
			},
		},
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"prompt": "a lighthouse at dusk",
	})

	graph, ok := resolved.(map[string]interface{})
	require.True(t, ok)
	node := graph["6"].(map[string]interface{})
	inputs := node["inputs"].(map[string]interface{})
	assert.Equal(t, "a lighthouse at dusk", inputs["text"])
}

func TestResolvePlaceholders_UnknownTokensLeftIntact(t *testing.T) {
	template := map[string]interface{}{
		"text": "{{prompt}} with {{unknown_param}}",
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"prompt": "hello",
	}).(map[string]interface{})

	assert.Equal(t, "hello with {{unknown_param}}", resolved["text"])
}

func TestResolvePlaceholders_MultipleOccurrences(t *testing.T) {
	template := map[string]interface{}{
		"a": "{{seed}}",
		"b": "seed={{seed}},again={{seed}}",
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"seed": int64(42),
	}).(map[string]interface{})

	assert.Equal(t, "42", resolved["a"])
	assert.Equal(t, "seed=42,again=42", resolved["b"])
}

func TestResolvePlaceholders_NumericFormatting(t *testing.T) {
	template := map[string]interface{}{
		"whole":    "{{cfg}}",
		"fraction": "{{strength}}",
		"width":    "{{width}}",
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"cfg":      7.0,
		"strength": 0.85,
		"width":    1024,
	}).(map[string]interface{})

	assert.Equal(t, "7", resolved["whole"])
	assert.Equal(t, "0.85", resolved["fraction"])
	assert.Equal(t, "1024", resolved["width"])
}

func TestResolvePlaceholders_NilValueBlanksOut(t *testing.T) {
	template := map[string]interface{}{
		"style": "{{positive_style}}",
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"positive_style": nil,
	}).(map[string]interface{})

	assert.Equal(t, "", resolved["style"])
}

func TestResolvePlaceholders_NonStringScalarsUntouched(t *testing.T) {
	template := map[string]interface{}{
		"steps":   float64(20),
		"enabled": true,
		"list":    []interface{}{"{{prompt}}", float64(3)},
	}

	resolved := ResolvePlaceholders(template, map[string]interface{}{
		"prompt": "x",
	}).(map[string]interface{})

	assert.Equal(t, float64(20), resolved["steps"])
	assert.Equal(t, true, resolved["enabled"])
	list := resolved["list"].([]interface{})
	assert.Equal(t, "x", list[0])
	assert.Equal(t, float64(3), list[1])
}

func TestResolvePlaceholders_DoesNotMutateTemplate(t *testing.T) {
	template := map[string]interface{}{
		"inputs": map[string]interface{}{
			"text": "{{prompt}}",
		},
	}

	_ = ResolvePlaceholders(template, map[string]interface{}{
		"prompt": "changed",
	})

	inputs := template["inputs"].(map[string]interface{})
	assert.Equal(t, "{{prompt}}", inputs["text"])
}
