package vmproxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func registerBackend(t *testing.T, table *Table, code string, handler http.Handler) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	table.Register(code, Endpoint{Host: u.Hostname(), Port: port})
	return backend
}

func TestServer_StripsSessionPrefix(t *testing.T) {
	table := NewTable()
	var gotPath string
	registerBackend(t, table, "ABC123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from sandbox"))
	}))

	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/ABC123/api/data?x=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/api/data", gotPath)
}

func TestServer_BareCodeForwardsRoot(t *testing.T) {
	table := NewTable()
	var gotPath string
	registerBackend(t, table, "ABC123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/ABC123")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/", gotPath)
}

func TestServer_UnknownCodeIs404(t *testing.T) {
	table := NewTable()
	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/NOSUCH/whatever")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_UnregisteredRouteStopsForwarding(t *testing.T) {
	table := NewTable()
	registerBackend(t, table, "ABC123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/ABC123/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	table.Unregister("ABC123")

	resp, err = http.Get(front.URL + "/ABC123/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_DeadBackendIs502(t *testing.T) {
	table := NewTable()
	backend := registerBackend(t, table, "ABC123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	resp, err := http.Get(front.URL + "/ABC123/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_ForwardsWebsocketUpgrade(t *testing.T) {
	table := NewTable()
	upgrader := gorillaws.Upgrader{}
	registerBackend(t, table, "ABC123", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, append([]byte("echo: "), msg...))
	}))

	front := httptest.NewServer(NewServer(table))
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/ABC123/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "echo: ping", string(msg))
}
