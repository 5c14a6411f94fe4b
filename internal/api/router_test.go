package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/bill-acceptor/internal/courier"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"github.com/wfunc/bill-acceptor/internal/utils"
)

// stubAcceptor 记录控制调用
type stubAcceptor struct {
	mu       sync.Mutex
	snap     courier.Snapshot
	paused   []bool
	resets   int
	identity int
}

func (s *stubAcceptor) Snapshot() courier.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubAcceptor) SetPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = append(s.paused, p)
}

func (s *stubAcceptor) RequestReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *stubAcceptor) RequestIdentity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity++
}

type RouterTestSuite struct {
	suite.Suite
	acceptor *stubAcceptor
	jwt      *utils.JWTManager
	portPath string
	router   *Router
}

func (s *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.acceptor = &stubAcceptor{snap: courier.Snapshot{
		State:            "running",
		LinkHealthy:      true,
		Model:            "Trilogy",
		FirmwareRevision: "1.21",
		SerialNumber:     "123456789",
	}}
	s.jwt = utils.NewJWTManager("secret", time.Hour)
	s.portPath = filepath.Join(s.T().TempDir(), "ttyUSB0")
	s.Require().NoError(os.WriteFile(s.portPath, nil, 0o600))

	s.router = NewRouter(Options{
		Acceptor: s.acceptor,
		Auth:     middleware.NewAuthMiddleware(s.jwt),
		PortPath: s.portPath,
	})
}

func (s *RouterTestSuite) request(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.GetEngine().ServeHTTP(w, req)
	return w
}

func (s *RouterTestSuite) TestHealth() {
	w := s.request(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, w.Code)

	var resp map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("healthy", resp["status"])

	s.acceptor.snap.LinkHealthy = false
	w = s.request(http.MethodGet, "/health", "")
	s.Equal(http.StatusServiceUnavailable, w.Code)

	s.acceptor.snap.LinkHealthy = true
	s.acceptor.snap.State = "stopped"
	w = s.request(http.MethodGet, "/health", "")
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *RouterTestSuite) TestStatus() {
	w := s.request(http.MethodGet, "/api/v1/acceptor/status", "")
	s.Require().Equal(http.StatusOK, w.Code)

	var resp struct {
		Success bool           `json:"success"`
		Data    StatusResponse `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.True(resp.Success)
	s.Equal("Trilogy", resp.Data.Model)
	s.Equal("1.21", resp.Data.FirmwareRevision)
	s.Equal("123456789", resp.Data.SerialNumber)
	s.Equal(s.portPath, resp.Data.Port)
	s.True(resp.Data.PortPresent)
}

func (s *RouterTestSuite) TestControlRequiresToken() {
	for _, path := range []string{"pause", "resume", "reset", "identity"} {
		w := s.request(http.MethodPost, "/api/v1/acceptor/"+path, "")
		s.Equal(http.StatusUnauthorized, w.Code, path)
	}
	s.Empty(s.acceptor.paused)
	s.Zero(s.acceptor.resets)
}

func (s *RouterTestSuite) TestControlOperations() {
	token, err := s.jwt.GenerateToken("alice", utils.RoleOperator)
	s.Require().NoError(err)

	s.Equal(http.StatusAccepted, s.request(http.MethodPost, "/api/v1/acceptor/pause", token).Code)
	s.Equal(http.StatusAccepted, s.request(http.MethodPost, "/api/v1/acceptor/resume", token).Code)
	s.Equal(http.StatusAccepted, s.request(http.MethodPost, "/api/v1/acceptor/reset", token).Code)
	s.Equal(http.StatusAccepted, s.request(http.MethodPost, "/api/v1/acceptor/identity", token).Code)

	s.Equal([]bool{true, false}, s.acceptor.paused)
	s.Equal(1, s.acceptor.resets)
	s.Equal(1, s.acceptor.identity)
}

func (s *RouterTestSuite) TestViewerForbidden() {
	token, _ := s.jwt.GenerateToken("bob", utils.RoleViewer)
	w := s.request(http.MethodPost, "/api/v1/acceptor/reset", token)
	s.Equal(http.StatusForbidden, w.Code)
	s.Zero(s.acceptor.resets)
}

func (s *RouterTestSuite) TestNotFound() {
	w := s.request(http.MethodGet, "/nope", "")
	s.Equal(http.StatusNotFound, w.Code)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestControlWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	acceptor := &stubAcceptor{}
	router := NewRouter(Options{Acceptor: acceptor})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/acceptor/pause", nil)
	w := httptest.NewRecorder()
	router.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []bool{true}, acceptor.paused)
}

// stubInserter 记录模拟投币
type stubInserter struct {
	bills []int
}

func (s *stubInserter) InsertBill(index int) error {
	if index < 1 || index > 7 {
		return errors.New("bill index must be 1-7")
	}
	s.bills = append(s.bills, index)
	return nil
}

func TestSimulatorRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sim := &stubInserter{}
	router := NewRouter(Options{Acceptor: &stubAcceptor{}, Simulator: sim})

	post := func(target string) int {
		w := httptest.NewRecorder()
		router.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, post("/api/v1/simulator/bills/3"))
	assert.Equal(t, http.StatusBadRequest, post("/api/v1/simulator/bills/9"))
	assert.Equal(t, http.StatusBadRequest, post("/api/v1/simulator/bills/x"))
	assert.Equal(t, []int{3}, sim.bills)

	// 未启用模拟器时没有该路由
	plain := NewRouter(Options{Acceptor: &stubAcceptor{}})
	w := httptest.NewRecorder()
	plain.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/simulator/bills/3", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
