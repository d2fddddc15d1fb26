package session

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/restadapter/broker"
	"github.com/jpalmerr/restadapter/config"
)

func testBroker() *config.Broker {
	return &config.Broker{
		Host:              "localhost",
		Port:              8080,
		Principal:         "adapter",
		ConnectionTimeout: config.Duration(time.Second),
	}
}

func TestManager_OpenAsyncFansOutStates(t *testing.T) {
	mem := broker.NewMemory()
	m := NewManager(mem, nil)

	var mu sync.Mutex
	var first, second []broker.State
	m.AddStateListener(func(_ broker.Session, _, next broker.State) {
		mu.Lock()
		first = append(first, next)
		mu.Unlock()
	})
	remove := m.AddStateListener(func(_ broker.Session, _, next broker.State) {
		mu.Lock()
		second = append(second, next)
		mu.Unlock()
	})

	res := <-m.OpenAsync(context.Background(), testBroker(), nil, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "adapter", res.Session.Principal())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	}, time.Second, 5*time.Millisecond)

	remove()
	remove()
	require.NoError(t, mem.Disconnect(res.Session))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []broker.State{broker.StateConnected, broker.StateRecovering}, first)
	assert.Equal(t, []broker.State{broker.StateConnected}, second)
}

func TestManager_OpenAsyncLost(t *testing.T) {
	mem := broker.NewMemory()
	m := NewManager(mem, nil)

	lost := make(chan broker.Session, 1)
	res := <-m.OpenAsync(context.Background(), testBroker(), nil, func(s broker.Session) { lost <- s })
	require.NoError(t, res.Err)

	require.NoError(t, mem.Lose(res.Session))
	select {
	case s := <-lost:
		assert.Equal(t, res.Session.ID(), s.ID())
	case <-time.After(time.Second):
		t.Fatal("lost listener not called")
	}
}

func TestManager_OpenAsyncErrors(t *testing.T) {
	m := NewManager(broker.NewMemory(), nil)

	res := <-m.OpenAsync(context.Background(), nil, nil, nil)
	assert.Error(t, res.Err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = <-m.OpenAsync(ctx, testBroker(), nil, nil)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Nil(t, res.Session)
}

func TestLoadTLSConfig_Empty(t *testing.T) {
	cfg, err := LoadTLSConfig("", "")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadTLSConfig_PEM(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), data, 0o600))

	cfg, err := LoadTLSConfig("ca.pem", dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadTLSConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pem"), []byte("not a cert"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.p12"), []byte("not a store"), 0o600))

	_, err := LoadTLSConfig("bad.pem", dir)
	assert.ErrorContains(t, err, "no PEM certificates")

	_, err = LoadTLSConfig("bad.p12", dir)
	assert.ErrorContains(t, err, "PKCS#12")

	_, err = LoadTLSConfig("missing.pem", dir)
	assert.ErrorContains(t, err, "read truststore")
}
