package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"

	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/libs/grpcx"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDatabaseURLResolution(t *testing.T) {
	t.Setenv("ESB_DATABASE_URL", "")
	t.Setenv("ESB_CONFIG_DATABASE_URL", "")
	t.Setenv("CONFIG_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://plain")
	a := &app{v: viper.New()}
	newRootCmd(a.v)

	url, err := a.databaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://plain", url)

	t.Setenv("ESB_DATABASE_URL", "postgres://prefixed")
	url, err = a.databaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed", url)

	url, err = a.configDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed", url)

	t.Setenv("CONFIG_DATABASE_URL", "postgres://registry")
	url, err = a.configDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://registry", url)
}

func TestCommandsValidateBeforeConnecting(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ESB_DATABASE_URL", "")

	_, err := run(t, "outbox", "list", "--status", "archived")
	assert.ErrorIs(t, err, esb.ErrInvalidStatus)

	_, err = run(t, "migrate", "sideways")
	assert.ErrorContains(t, err, "unknown migrate command")

	_, err = run(t, "migrate", "up")
	assert.ErrorContains(t, err, "database url not set")

	_, err = run(t, "cache", "get", "product")
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpcx.NewHealthServer(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ServeListener(ctx, lis) }()

	_, err = run(t, "health", "--addr", lis.Addr().String(), "--timeout", "5s")
	assert.ErrorContains(t, err, "NOT_SERVING")

	srv.SetServing(true, "esb.cache")
	out, err := run(t, "health", "--addr", lis.Addr().String(), "--service", "esb.cache", "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")
}
