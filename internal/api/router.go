package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/bill-acceptor/internal/courier"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	ws "github.com/wfunc/bill-acceptor/internal/websocket"
	"go.uber.org/zap"
)

// Acceptor 纸币器控制接口
type Acceptor interface {
	Snapshot() courier.Snapshot
	SetPaused(paused bool)
	RequestReset()
	RequestIdentity()
}

// BillInserter 模拟投币，仅在模拟器模式下提供
type BillInserter interface {
	InsertBill(index int) error
}

// Options 路由参数
type Options struct {
	Acceptor  Acceptor
	Hub       *ws.Hub
	Simulator BillInserter
	Auth      *middleware.AuthMiddleware
	PortPath  string // 串口设备路径，用于状态接口
	WSPath    string
	Logger    *zap.Logger
}

// Router API路由器
type Router struct {
	engine  *gin.Engine
	handler *AcceptorHandler
	hub     *ws.Hub
	sim     BillInserter
	auth    *middleware.AuthMiddleware
	wsPath  string
	log     *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthMiddleware(nil)
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws/events"
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(opts.Logger))

	r := &Router{
		engine:  engine,
		handler: NewAcceptorHandler(opts.Acceptor, opts.PortPath, opts.Logger),
		sim:     opts.Simulator,
		hub:     opts.Hub,
		auth:    opts.Auth,
		wsPath:  opts.WSPath,
		log:     opts.Logger,
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.Health)

	v1 := r.engine.Group("/api/v1")
	{
		acceptor := v1.Group("/acceptor")
		acceptor.GET("/status", r.handler.Status)

		control := acceptor.Group("")
		control.Use(r.auth.RequireAuth(), r.auth.RequireControl())
		{
			control.POST("/pause", r.handler.Pause)
			control.POST("/resume", r.handler.Resume)
			control.POST("/reset", r.handler.Reset)
			control.POST("/identity", r.handler.Identity)
		}

		if r.sim != nil {
			sim := v1.Group("/simulator")
			sim.Use(r.auth.RequireAuth(), r.auth.RequireControl())
			sim.POST("/bills/:index", r.insertBill)
		}
	}

	if r.hub != nil {
		r.engine.GET(r.wsPath, r.auth.OptionalAuth(), r.events)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// events WebSocket事件流
func (r *Router) events(c *gin.Context) {
	operator, _ := middleware.GetOperator(c)
	client, err := r.hub.Serve(c.Writer, c.Request, operator)
	if err != nil {
		return
	}
	r.log.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("ip", c.ClientIP()))
}

// insertBill 向模拟器投入一张纸币
func (r *Router) insertBill(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err == nil {
		err = r.sim.InsertBill(index)
	}
	if err != nil {
		appErr := apperrors.Wrap(err, apperrors.ErrInvalidParam)
		c.JSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(appErr))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"index":   index,
	})
}

// Handler HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
