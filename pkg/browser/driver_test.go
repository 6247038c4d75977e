package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverRegistry(t *testing.T) {
	RegisterDriver("test-driver", func(ctx context.Context) (Session, error) {
		return nil, nil
	})

	factory, err := Driver("test-driver")
	require.NoError(t, err)
	assert.NotNil(t, factory)

	_, err = Driver("no-such-driver")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-driver")

	assert.Contains(t, DriverNames(), "test-driver")
}

func TestRegisterDriverRejectsDuplicates(t *testing.T) {
	RegisterDriver("dup-driver", func(ctx context.Context) (Session, error) {
		return nil, nil
	})
	assert.Panics(t, func() {
		RegisterDriver("dup-driver", func(ctx context.Context) (Session, error) {
			return nil, nil
		})
	})
	assert.Panics(t, func() {
		RegisterDriver("nil-driver", nil)
	})
}
