package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-gateway/internal/common/errors"
)

func TestStaticResolver_Get(t *testing.T) {
	r := NewStaticResolver(map[string]string{"crm_token": "tok-123"})

	value, err := r.Get(context.Background(), "crm_token")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", value)
}

func TestStaticResolver_Missing(t *testing.T) {
	r := NewStaticResolver(nil)

	_, err := r.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
	assert.Contains(t, err.Error(), "secret absent not found")
}

func TestStaticResolver_Put(t *testing.T) {
	r := NewStaticResolver(nil)
	r.Put("later", "v")

	value, err := r.Get(context.Background(), "later")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestStaticResolver_CopiesInput(t *testing.T) {
	source := map[string]string{"k": "v"}
	r := NewStaticResolver(source)
	source["k"] = "mutated"

	value, err := r.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}
