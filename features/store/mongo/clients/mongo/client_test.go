package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Database: "flow"})
	require.EqualError(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func TestNewDefaultsTimeout(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &mongodriver.Client{}, Database: "flow"})
	require.NoError(t, err)
	assert.Equal(t, "store-mongo", c.Name())
	assert.Equal(t, defaultOpTimeout, c.(*client).timeout)

	c, err = New(Options{Client: &mongodriver.Client{}, Database: "flow", Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.(*client).timeout)
}

func TestInTransactionWithoutSession(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &mongodriver.Client{}, Database: "flow"})
	require.NoError(t, err)
	assert.False(t, c.InTransaction(context.Background()))
}
