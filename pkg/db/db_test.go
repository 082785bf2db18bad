package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegate/pkg/config"
	"sitegate/pkg/logger"
)

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/app", redactDSN("postgres://user:pa@ss@db:5432/app"))
	assert.Equal(t, "db:5432/app", redactDSN("db:5432/app"))
}

func TestConnectSkipsWhenUnset(t *testing.T) {
	pool, err := Connect(context.Background(), config.Config{}, logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, pool)

	cli, err := Redis(context.Background(), config.Config{}, logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, cli)
}
