package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/imappool"
	"github.com/vdavid/mailproxy/internal/proxy"
	"github.com/vdavid/mailproxy/internal/smtppool"
	"github.com/vdavid/mailproxy/internal/testutil"
	"github.com/vdavid/mailproxy/internal/transform"
)

const testInbox = "team@example.com"

func newTestServer(t *testing.T, apiToken string) (http.Handler, *testutil.TestIMAPServer, *testutil.TestSMTPServer) {
	t.Helper()

	store, _ := testutil.NewTestSessionStore(t)
	imapSrv := testutil.NewTestIMAPServer(t)
	t.Cleanup(imapSrv.Close)
	smtpSrv := testutil.NewTestSMTPServer(t)
	t.Cleanup(smtpSrv.Close)

	resolver, err := credentials.NewResolver("")
	require.NoError(t, err)
	require.NoError(t, resolver.Register(credentials.Credentials{
		InboxID:  testInbox,
		IMAPAddr: imapSrv.Address,
		SMTPAddr: smtpSrv.Address,
		Username: imapSrv.Username(),
		Secret:   imapSrv.Password(),
		AuthKind: credentials.AuthPassword,
	}))

	imapPool := imappool.NewPool(resolver, imappool.Options{Store: store, SessionTTL: 5 * time.Minute, InstanceID: "test"})
	t.Cleanup(imapPool.Close)
	smtpPool := smtppool.NewPool(resolver, smtppool.Options{Store: store, SessionTTL: 5 * time.Minute, InstanceID: "test"})
	t.Cleanup(smtpPool.Close)

	service := proxy.NewService(resolver, imapPool, smtpPool, transform.New(transform.Options{}), zerolog.Nop())
	return NewServer(NewHandler(service, apiToken, zerolog.Nop())), imapSrv, smtpSrv
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestListMessagesRoute(t *testing.T) {
	srv, imapSrv, _ := newTestServer(t, "")
	imapSrv.EnsureINBOX(t)
	imapSrv.AddMessage(t, "INBOX", "<a@example.com>", "first", "sender@example.com", testInbox, time.Now())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/inboxes/"+testInbox+"/messages?limit=50", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var page proxy.ListPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.NotEmpty(t, page.Messages)
	assert.Equal(t, "first", page.Messages[len(page.Messages)-1].Subject)
}

func TestGetMessageRoute(t *testing.T) {
	srv, imapSrv, _ := newTestServer(t, "")
	imapSrv.EnsureINBOX(t)
	uid := imapSrv.AddMessage(t, "INBOX", "<b@example.com>", "single", "sender@example.com", testInbox, time.Now())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/inboxes/"+testInbox+"/messages/"+uintStr(uid), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var msg proxy.ListedMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "single", msg.Subject)
	assert.Equal(t, uid, msg.UID)
}

func TestSendMessageRoute(t *testing.T) {
	srv, _, smtpSrv := newTestServer(t, "")

	body := `{"to": ["rcpt@example.com"], "subject": "hi", "body": "text"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v0/inboxes/"+testInbox+"/messages/send", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var res smtppool.SendResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.MessageID)
	assert.Len(t, smtpSrv.GetMessages(), 1)
}

func TestSendMessageRequiresRecipients(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v0/inboxes/"+testInbox+"/messages/send", strings.NewReader(`{"subject": "hi"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownInboxMapsToNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/inboxes/nobody@example.com/messages", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/stats?inbox_id="+testInbox, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats proxy.PoolStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.IMAP.Live)
}

func TestRegisterInboxRoute(t *testing.T) {
	srv, imapSrv, smtpSrv := newTestServer(t, "")

	body := `{"inbox_id": "new@example.com", "imap_host": "` + imapSrv.Address + `", "smtp_host": "` + smtpSrv.Address + `", "username": "username", "secret": "password", "use_tls": false}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v0/inboxes", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res["inbox_id_hash"], 12)
}

func TestLogoutRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v0/inboxes/"+testInbox, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBearerTokenEnforced(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret-token")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v0/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v0/stats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics stay open for probes and scrapers.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func uintStr(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
