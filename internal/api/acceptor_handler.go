package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/bill-acceptor/internal/courier"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"go.uber.org/zap"
)

// AcceptorHandler 纸币器接口处理器
type AcceptorHandler struct {
	acceptor Acceptor
	portPath string
	log      *zap.Logger
}

// NewAcceptorHandler 创建处理器
func NewAcceptorHandler(acceptor Acceptor, portPath string, log *zap.Logger) *AcceptorHandler {
	return &AcceptorHandler{
		acceptor: acceptor,
		portPath: portPath,
		log:      log,
	}
}

// StatusResponse 状态响应
type StatusResponse struct {
	courier.Snapshot
	Port        string `json:"port"`
	PortPresent bool   `json:"port_present"`
}

// Health 健康检查：轮询运行中且链路正常返回200
func (h *AcceptorHandler) Health(c *gin.Context) {
	snap := h.acceptor.Snapshot()
	healthy := snap.State == courier.StateRunning.String() && snap.LinkHealthy

	status := http.StatusOK
	text := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		text = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       text,
		"state":        snap.State,
		"link_healthy": snap.LinkHealthy,
	})
}

// Status 获取纸币器状态
func (h *AcceptorHandler) Status(c *gin.Context) {
	resp := StatusResponse{
		Snapshot: h.acceptor.Snapshot(),
		Port:     h.portPath,
	}
	if h.portPath != "" {
		resp.PortPresent = hardware.SerialPortExists(h.portPath)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    resp,
	})
}

// Pause 暂停轮询
func (h *AcceptorHandler) Pause(c *gin.Context) {
	h.acceptor.SetPaused(true)
	h.accepted(c, "pause")
}

// Resume 恢复轮询
func (h *AcceptorHandler) Resume(c *gin.Context) {
	h.acceptor.SetPaused(false)
	h.accepted(c, "resume")
}

// Reset 请求复位设备
func (h *AcceptorHandler) Reset(c *gin.Context) {
	h.acceptor.RequestReset()
	h.accepted(c, "reset")
}

// Identity 请求查询序列号
func (h *AcceptorHandler) Identity(c *gin.Context) {
	h.acceptor.RequestIdentity()
	h.accepted(c, "identity")
}

func (h *AcceptorHandler) accepted(c *gin.Context, action string) {
	operator, _ := middleware.GetOperator(c)
	h.log.Info("收到控制请求",
		zap.String("action", action),
		zap.String("operator", operator),
		zap.String("ip", c.ClientIP()))

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"action":  action,
	})
}
