package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/bill-acceptor/internal/api"
	"github.com/wfunc/bill-acceptor/internal/config"
	"github.com/wfunc/bill-acceptor/internal/courier"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"github.com/wfunc/bill-acceptor/internal/protocol"
	"github.com/wfunc/bill-acceptor/internal/utils"
	ws "github.com/wfunc/bill-acceptor/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	transport *hardware.SerialTransport
	simulator *hardware.Simulator
	courier   *courier.Courier
	hub       *ws.Hub
	http      *http.Server

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
		token       = flag.String("token", "", "为指定操作员生成访问令牌后退出")
		role        = flag.String("role", utils.RoleOperator, "令牌角色 (operator/viewer)")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if *token != "" {
		if err := printToken(cfg, *token, *role); err != nil {
			fmt.Printf("生成令牌失败: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	setupSystem(&cfg.System)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动纸币器服务...",
		zap.String("version", Version),
		zap.String("port", s.cfg.Serial.Port))

	var opener hardware.PortOpener
	if s.cfg.Serial.Simulate {
		s.simulator = hardware.NewSimulator()
		opener = s.simulator.Opener()
		s.logger.Warn("使用内置模拟器代替真实设备")
	}
	s.transport = hardware.NewSerialTransport(transportConfig(&s.cfg.Serial), protocol.FrameLength, opener)
	if err := s.transport.Open(); err != nil {
		// 设备可能尚未接入，轮询器会在后续周期重试打开
		s.logger.Warn("串口暂不可用", zap.Error(err))
	}

	codec := protocol.NewCodec(protocol.Config{
		EnabledBills: s.cfg.Protocol.EnabledBills,
		EscrowMode:   s.cfg.Protocol.EscrowMode,
		BillNames:    s.cfg.Protocol.BillNames,
	})
	s.courier = courier.New(courierConfig(s.cfg), s.transport, codec)

	s.hub = ws.NewHub(ws.OptionsFromConfig(s.cfg.WebSocket), logger.WithModule("websocket"))
	s.hub.SetStatusProvider(func() interface{} { return s.courier.Snapshot() })
	s.courier.Subscribe(ws.NewEventBridge(s.hub))
	s.courier.Subscribe(courier.ListenerFunc(s.logEvent))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	if s.cfg.Courier.QueryIdentityStart {
		s.courier.RequestIdentity()
	}
	if err := s.courier.Start(s.ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrUnknown, "启动轮询器失败")
	}

	if err := s.startHTTP(); err != nil {
		return err
	}

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.http.Addr),
		zap.String("websocket", s.cfg.WebSocket.Path))
	return nil
}

func (s *Server) startHTTP() error {
	gin.SetMode(s.cfg.Server.Mode)

	var jwt *utils.JWTManager
	if s.cfg.Security.JWT.Secret != "" {
		jwt = utils.NewJWTManager(s.cfg.Security.JWT.Secret, time.Duration(s.cfg.Security.JWT.ExpireHours)*time.Hour)
	} else {
		s.logger.Warn("未配置JWT密钥，控制接口不做认证")
	}

	opts := api.Options{
		Acceptor: s.courier,
		Hub:      s.hub,
		Auth:     middleware.NewAuthMiddleware(jwt),
		PortPath: s.cfg.Serial.Port,
		WSPath:   s.cfg.WebSocket.Path,
		Logger:   logger.WithModule("http"),
	}
	if s.simulator != nil {
		opts.Simulator = s.simulator
	}
	router := api.NewRouter(opts)

	s.http = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrUnknown, "监听 %s 失败", s.http.Addr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()
	return nil
}

// logEvent 记录业务事件，原始收发帧由串口模块记录
func (s *Server) logEvent(e courier.Event) {
	switch ev := e.(type) {
	case courier.CreditEvent:
		s.logger.Info("纸币入账", zap.String("bill", ev.Bill), zap.Int("index", ev.Index))
	case courier.EscrowedEvent:
		s.logger.Info("纸币暂存", zap.String("bill", ev.Bill))
	case courier.ConnectionFailureEvent:
		s.logger.Error("纸币器连接失败", zap.Int("consecutive_failures", ev.Count))
	}
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.courier.Done():
		s.logger.Warn("轮询器意外停止")
	}
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止轮询，保证关闭串口时没有帧在途
	s.courier.Stop()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP服务关闭失败", zap.Error(err))
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		return apperrors.New(apperrors.ErrTimeout, "关闭超时")
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Error("关闭串口失败", zap.Error(err))
	}
	return nil
}

// reloadConfig 应用可热更新的配置：日志级别和轮询参数。
// 在配置监听协程中调用，启动时的s.cfg保持不变
func (s *Server) reloadConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Log.Level)
	s.courier.UpdateTiming(newCfg.Courier.PollInterval, newCfg.Courier.RetryLimit)
	s.logger.Info("配置重新加载完成", zap.String("log_level", newCfg.Log.Level))
}

func transportConfig(cfg *config.SerialConfig) hardware.TransportConfig {
	return hardware.TransportConfig{
		Port:        cfg.Port,
		BaudRate:    cfg.BaudRate,
		DataBits:    cfg.DataBits,
		StopBits:    cfg.StopBits,
		Parity:      cfg.Parity,
		ReadTimeout: cfg.ReadTimeout,
	}
}

func courierConfig(cfg *config.Config) courier.Config {
	return courier.Config{
		PollInterval:      cfg.Courier.PollInterval,
		RetryLimit:        cfg.Courier.RetryLimit,
		Timeout:           cfg.Serial.Timeout,
		ResetSettle:       cfg.Courier.ResetSettle,
		SignedSerialDigit: cfg.Courier.SignedSerialDigit,
		LinkEvents:        cfg.Courier.LinkEvents,
	}
}

func printToken(cfg *config.Config, operator, role string) error {
	if cfg.Security.JWT.Secret == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "security.jwt.secret 未配置")
	}
	jwt := utils.NewJWTManager(cfg.Security.JWT.Secret, time.Duration(cfg.Security.JWT.ExpireHours)*time.Hour)
	token, err := jwt.GenerateToken(operator, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("纸币器轮询服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("纸币器轮询服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  bill-acceptor [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  BILL_ACCEPTOR_SERIAL_PORT        串口设备路径")
	fmt.Println("  BILL_ACCEPTOR_SECURITY_JWT_SECRET JWT密钥")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  bill-acceptor -config=/etc/bill-acceptor/config.yaml")
	fmt.Println("  bill-acceptor -token=alice")
}
