package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/config"
)

func TestRunServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServerReportsListenError(t *testing.T) {
	srv := &http.Server{Addr: "256.0.0.1:http", Handler: http.NotFoundHandler()}
	assert.Error(t, runServer(context.Background(), srv))
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	s, err := st.CreateSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
}

func TestNewGeneratorRequiresBackend(t *testing.T) {
	_, err := newGenerator(context.Background(), &config.Config{}, zap.NewNop())
	assert.Error(t, err)

	gen, err := newGenerator(context.Background(), &config.Config{
		ChatAPI: config.ChatAPIConfig{URL: "http://chat.local/v1", APIKey: "key"},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, gen)
}
