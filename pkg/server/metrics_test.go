package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// scrape renders the registry in the text exposition format
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	// Each instance owns its registry, so creating several never panics
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordSessionCreated()
	m1.RecordSessionCreated()
	m2.RecordSessionCreated()

	assert.Contains(t, scrape(t, m1), "chatroom_sessions_created_total 2\n")
	assert.Contains(t, scrape(t, m2), "chatroom_sessions_created_total 1\n")
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordActiveSessions(3)
	m.RecordOnlineUsers(2)
	m.RecordSessionDisconnected()
	m.RecordCommandReceived("Login")
	m.RecordCommandResult("Login", true)
	m.RecordCommandResult("Login", false)
	m.RecordProtocolError("Invalid command")
	m.RecordBroadcast(4, 3, time.Millisecond)
	m.RecordCleanup(time.Millisecond, 10, 5)

	body := scrape(t, m)
	for _, want := range []string{
		"chatroom_active_sessions 3\n",
		"chatroom_online_users 2\n",
		"chatroom_sessions_disconnected_total 1\n",
		`chatroom_commands_received_total{command="Login"} 1` + "\n",
		`chatroom_command_results_total{command="Login",ok="true"} 1` + "\n",
		`chatroom_command_results_total{command="Login",ok="false"} 1` + "\n",
		`chatroom_protocol_errors_total{reason="Invalid command"} 1` + "\n",
		"chatroom_messages_delivered_total 3\n",
		"chatroom_broadcast_fanout_count 1\n",
		"chatroom_cleanup_runs_total 1\n",
		"chatroom_registered_accounts 10\n",
		"chatroom_chatrooms 5\n",
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetricsHandlerIncludesRuntimeCollectors(t *testing.T) {
	body := scrape(t, NewMetrics())
	assert.Contains(t, body, "go_goroutines")
}

func TestHealthHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PasswordHashCost = bcrypt.MinCost
	s := newServer(nil, cfg, nil)
	require.NoError(t, s.accounts.Create("alice", "pw"))

	srv := httptest.NewServer(http.HandlerFunc(s.HealthHandler))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "ok\n"))
	assert.Contains(t, string(body), "accounts 1\n")
	assert.Contains(t, string(body), "chatrooms 0\n")
}

func TestServerRecordsCommandMetrics(t *testing.T) {
	m := NewMetrics()
	js := startJourneyServer(t, journeyConfig(t), m)

	c := js.connect(t, "tcp")
	mustOK(t)(c.Ping(""))
	require.NoError(t, c.SendRaw("Bogus"))
	expectRaw(t, c, "MessageError|Invalid command")

	body := scrape(t, m)
	assert.Contains(t, body, `chatroom_commands_received_total{command="Ping"} 1`)
	assert.Contains(t, body, `chatroom_command_results_total{command="Ping",ok="true"} 1`)
	assert.Contains(t, body, `chatroom_protocol_errors_total{reason="Invalid command"} 1`)
	assert.Contains(t, body, "chatroom_sessions_created_total 1\n")
}
