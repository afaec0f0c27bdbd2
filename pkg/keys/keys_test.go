package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{
			name:     "normal secret",
			secret:   "sk-abc123456789xyz",
			expected: "sk-ab***9xyz",
		},
		{
			name:     "exactly ten characters",
			secret:   "0123456789",
			expected: "01234***6789",
		},
		{
			name:     "too short to mask",
			secret:   "short",
			expected: "***",
		},
		{
			name:     "empty",
			secret:   "",
			expected: "***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Mask(tt.secret))
		})
	}
}

func TestHashSecret(t *testing.T) {
	hash := HashSecret("sk-test-secret")
	assert.Len(t, hash, 12)
	assert.Equal(t, hash, HashSecret("sk-test-secret"))
	assert.NotEqual(t, hash, HashSecret("sk-other-secret"))
}

func TestNewRegistryOrdering(t *testing.T) {
	registry := NewRegistry([]Credential{
		NewCredential("charlie", "sk-charlie", 0, false),
		NewCredential("Alpha", "sk-alpha", 0, false),
		NewCredential("bravo", "sk-bravo", 5, false),
	})

	require.Equal(t, 3, registry.Len())
	assert.Equal(t, []string{"bravo", "Alpha", "charlie"}, registry.Labels())
}

func TestNewRegistryDeduplicatesSecrets(t *testing.T) {
	registry := NewRegistry([]Credential{
		NewCredential("first", "sk-shared", 0, false),
		NewCredential("second", "sk-shared", 10, false),
		NewCredential("third", "", 0, false),
	})

	require.Equal(t, 1, registry.Len())
	assert.Equal(t, "first", registry.Keys[0].Label)
}

func TestActiveKey(t *testing.T) {
	registry := NewRegistry([]Credential{
		NewCredential("a", "sk-aaaaaaaaaa", 0, false),
		NewCredential("b", "sk-bbbbbbbbbb", 0, false),
	})

	require.NotNil(t, registry.ActiveKey())
	assert.Equal(t, "a", registry.ActiveKey().Label)

	registry.ActiveIndex = 5
	assert.Equal(t, "b", registry.ActiveKey().Label, "out-of-range index clamps")

	empty := NewRegistry(nil)
	assert.Nil(t, empty.ActiveKey())
}

func TestFindByLabel(t *testing.T) {
	registry := NewRegistry([]Credential{
		NewCredential("a", "sk-aaaaaaaaaa", 0, false),
	})

	assert.NotNil(t, registry.FindByLabel("a"))
	assert.Nil(t, registry.FindByLabel("missing"))
}
