package courier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"github.com/wfunc/bill-acceptor/internal/logger"
	"github.com/wfunc/bill-acceptor/internal/protocol"
	"go.uber.org/zap"
)

// Transport 串口传输层，只由轮询协程使用
type Transport interface {
	Open() error
	Close() error
	Flush() error
	Write(frame []byte) error
	ReadFrame(maxLen int, timeout time.Duration) ([]byte, error)
}

// Codec 帧编解码器
type Codec interface {
	BuildNormal(action protocol.CreditAction) []byte
	BuildReset() []byte
	BuildIdentity() []byte
	IsValid(frame []byte) bool
	MaxResponseLen() int
	Parse(frame []byte) (*protocol.Response, error)
}

// Config 轮询器配置
type Config struct {
	PollInterval      time.Duration
	RetryLimit        int
	Timeout           time.Duration // 等待一帧响应的最长时间
	ResetSettle       time.Duration // 复位后重新打开串口前的等待
	SignedSerialDigit bool          // 序列号末位按有符号字节渲染
	LinkEvents        bool          // 分发原始收发帧
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
		RetryLimit:   5,
		Timeout:      100 * time.Millisecond,
		ResetSettle:  500 * time.Millisecond,
		// 与已部署设备的序列号渲染保持一致
		SignedSerialDigit: true,
		LinkEvents:        true,
	}
}

const (
	identityMinLen = 8
	serialOffset   = 3
	serialLen      = 5
)

// Courier 纸币器轮询引擎。
// 单个后台协程按轮询间隔循环：暂停等待、处理一次性请求、发送标准命令并解析响应、统计链路健康。
type Courier struct {
	transport Transport
	codec     Codec
	listeners *Registry
	logger    *zap.Logger
	frameLog  *zap.Logger

	timeout           time.Duration
	resetSettle       time.Duration
	signedSerialDigit bool
	linkEvents        bool
	pollInterval      atomic.Int64
	retryLimit        atomic.Int64

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	done   chan struct{}

	paused     atomic.Bool
	resetCh    chan struct{}
	identityCh chan struct{}

	healthy  atomic.Bool
	failures atomic.Int64

	idMu         sync.RWMutex
	model        byte
	firmware     byte
	haveResponse bool
	serialNumber string

	// 只由轮询协程读写
	pending protocol.CreditAction
}

// New 创建轮询器，配置中的零值使用默认值
func New(cfg Config, transport Transport, codec Codec) *Courier {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = def.RetryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResetSettle <= 0 {
		cfg.ResetSettle = def.ResetSettle
	}

	log := logger.WithModule("courier")
	c := &Courier{
		transport:         transport,
		codec:             codec,
		listeners:         NewRegistry(log),
		logger:            log,
		frameLog:          logger.WithModule("serial"),
		timeout:           cfg.Timeout,
		resetSettle:       cfg.ResetSettle,
		signedSerialDigit: cfg.SignedSerialDigit,
		linkEvents:        cfg.LinkEvents,
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
		resetCh:           make(chan struct{}, 1),
		identityCh:        make(chan struct{}, 1),
		pending:           protocol.ActionNone,
	}
	c.pollInterval.Store(int64(cfg.PollInterval))
	c.retryLimit.Store(int64(cfg.RetryLimit))
	return c
}

// Start 启动轮询协程。ctx取消与调用Stop效果相同
func (c *Courier) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning, StateStopping:
		return apperrors.New(apperrors.ErrCourierRunning)
	case StateStopped:
		return apperrors.New(apperrors.ErrCourierStopped)
	}

	c.state = StateRunning
	go c.run(ctx)

	c.logger.Info("轮询器已启动",
		zap.Duration("poll_interval", c.PollInterval()),
		zap.Int("retry_limit", c.RetryLimit()))
	return nil
}

// Stop 请求停止并阻塞到轮询协程退出。未启动时直接进入停止状态
func (c *Courier) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateNotStarted:
		c.state = StateStopped
		close(c.stopCh)
		close(c.done)
	case StateRunning:
		c.state = StateStopping
		close(c.stopCh)
	}
	c.mu.Unlock()

	<-c.done
}

// Done 轮询协程退出后关闭
func (c *Courier) Done() <-chan struct{} {
	return c.done
}

// State 当前生命周期状态
func (c *Courier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPaused 暂停或恢复轮询，暂停期间不向串口写任何数据
func (c *Courier) SetPaused(paused bool) {
	if c.paused.Swap(paused) != paused {
		c.logger.Info("轮询暂停状态变更", zap.Bool("paused", paused))
	}
}

// Paused 是否暂停
func (c *Courier) Paused() bool {
	return c.paused.Load()
}

// RequestReset 请求在下一个周期复位设备，多次请求合并为一次
func (c *Courier) RequestReset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// RequestIdentity 请求在下一个周期查询序列号，优先于复位
func (c *Courier) RequestIdentity() {
	select {
	case c.identityCh <- struct{}{}:
	default:
	}
}

// Subscribe 订阅事件
func (c *Courier) Subscribe(l Listener) ListenerID {
	return c.listeners.Subscribe(l)
}

// Unsubscribe 取消订阅
func (c *Courier) Unsubscribe(id ListenerID) bool {
	return c.listeners.Unsubscribe(id)
}

// UnsubscribeAll 取消全部订阅
func (c *Courier) UnsubscribeAll() {
	c.listeners.UnsubscribeAll()
}

// LinkHealthy 最近一个周期通信是否正常
func (c *Courier) LinkHealthy() bool {
	return c.healthy.Load()
}

// ConsecutiveFailures 连续失败周期数
func (c *Courier) ConsecutiveFailures() int {
	return int(c.failures.Load())
}

// FirmwareRevision 固件版本，尚未收到响应时为空
func (c *Courier) FirmwareRevision() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	if !c.haveResponse {
		return ""
	}
	return protocol.FirmwareString(c.firmware)
}

// Model 机型名称，尚未收到响应时为空
func (c *Courier) Model() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	if !c.haveResponse {
		return ""
	}
	return protocol.ModelName(c.model)
}

// SerialNumber 序列号，查询成功前为空
func (c *Courier) SerialNumber() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.serialNumber
}

// PollInterval 当前轮询间隔
func (c *Courier) PollInterval() time.Duration {
	return time.Duration(c.pollInterval.Load())
}

// RetryLimit 触发连接失败事件的连续失败次数
func (c *Courier) RetryLimit() int {
	return int(c.retryLimit.Load())
}

// UpdateTiming 运行中调整轮询间隔和失败阈值，非正值忽略
func (c *Courier) UpdateTiming(pollInterval time.Duration, retryLimit int) {
	if pollInterval > 0 {
		c.pollInterval.Store(int64(pollInterval))
	}
	if retryLimit > 0 {
		c.retryLimit.Store(int64(retryLimit))
	}
	c.logger.Info("轮询参数已更新",
		zap.Duration("poll_interval", c.PollInterval()),
		zap.Int("retry_limit", c.RetryLimit()))
}

// Snapshot 状态快照
type Snapshot struct {
	State               string `json:"state"`
	Paused              bool   `json:"paused"`
	LinkHealthy         bool   `json:"link_healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Model               string `json:"model"`
	FirmwareRevision    string `json:"firmware_revision"`
	SerialNumber        string `json:"serial_number"`
	PollIntervalMs      int64  `json:"poll_interval_ms"`
	RetryLimit          int    `json:"retry_limit"`
}

// Snapshot 获取当前状态快照
func (c *Courier) Snapshot() Snapshot {
	return Snapshot{
		State:               c.State().String(),
		Paused:              c.Paused(),
		LinkHealthy:         c.LinkHealthy(),
		ConsecutiveFailures: c.ConsecutiveFailures(),
		Model:               c.Model(),
		FirmwareRevision:    c.FirmwareRevision(),
		SerialNumber:        c.SerialNumber(),
		PollIntervalMs:      c.PollInterval().Milliseconds(),
		RetryLimit:          c.RetryLimit(),
	}
}

func (c *Courier) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		close(c.done)
		c.logger.Info("轮询器已停止")
	}()

	for {
		if c.stopping(ctx) {
			return
		}
		if !c.waitWhilePaused(ctx) {
			return
		}
		c.tick()
		if !c.sleep(ctx, c.PollInterval()) {
			return
		}
	}
}

func (c *Courier) stopping(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep 等待d，期间收到停止请求返回false
func (c *Courier) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// waitWhilePaused 暂停期间按轮询间隔等待，停止请求在暂停中同样生效
func (c *Courier) waitWhilePaused(ctx context.Context) bool {
	for c.paused.Load() {
		if !c.sleep(ctx, c.PollInterval()) {
			return false
		}
	}
	return true
}

// tick 一个轮询周期：序列号查询优先，其次复位，否则发送标准命令
func (c *Courier) tick() {
	var err error
	select {
	case <-c.identityCh:
		err = c.queryIdentity()
	default:
		select {
		case <-c.resetCh:
			err = c.reset()
		default:
			err = c.poll()
		}
	}
	c.account(err)
}

func (c *Courier) poll() error {
	frame, err := c.exchange(c.codec.BuildNormal(c.pending))
	if err != nil {
		c.pending = protocol.ActionNone
		return err
	}
	if frame == nil {
		return nil
	}

	resp, err := c.codec.Parse(frame)
	if err != nil {
		c.logger.Warn("响应解析失败", zap.Error(err))
		return nil
	}

	c.pending = resp.Action
	c.idMu.Lock()
	c.model = resp.Model
	c.firmware = resp.FirmwareRevision
	c.haveResponse = true
	c.idMu.Unlock()

	for _, e := range newResponseEvents(resp, time.Now()) {
		c.listeners.Dispatch(e)
	}
	return nil
}

func (c *Courier) queryIdentity() error {
	frame, err := c.exchange(c.codec.BuildIdentity())
	if err != nil {
		return err
	}

	serial, err := ParseSerialNumber(frame, c.signedSerialDigit)
	if err != nil {
		c.logger.Warn("设备不支持序列号查询", zap.Int("length", len(frame)), zap.Error(err))
		return nil
	}

	c.idMu.Lock()
	c.serialNumber = serial
	c.idMu.Unlock()
	c.logger.Info("已获取设备序列号", zap.String("serial_number", serial))
	return nil
}

// reset 发送复位命令，设备不回复；关闭串口等待设备重启后重新打开
func (c *Courier) reset() error {
	c.pending = protocol.ActionNone

	frame := c.codec.BuildReset()
	c.emitLink(DirectionTx, frame)
	if err := c.transport.Write(frame); err != nil {
		return err
	}

	c.logger.Info("设备复位中", zap.Duration("settle", c.resetSettle))
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("复位时关闭串口失败", zap.Error(err))
	}
	time.Sleep(c.resetSettle)
	return c.transport.Open()
}

// exchange 写入一帧并读取响应。无效响应会清空输入缓冲并返回nil
func (c *Courier) exchange(frame []byte) ([]byte, error) {
	c.emitLink(DirectionTx, frame)
	if err := c.transport.Write(frame); err != nil {
		return nil, err
	}

	resp, err := c.transport.ReadFrame(c.codec.MaxResponseLen(), c.timeout)
	if err != nil {
		return nil, err
	}
	c.emitLink(DirectionRx, resp)

	if !c.codec.IsValid(resp) {
		c.logger.Debug("丢弃无效响应", zap.String("frame", protocol.HexString(resp)))
		if err := c.transport.Flush(); err != nil {
			c.logger.Warn("清空输入缓冲失败", zap.Error(err))
		}
		return nil, nil
	}
	return resp, nil
}

func (c *Courier) emitLink(dir Direction, frame []byte) {
	hex := protocol.HexString(frame)
	logger.LogFrame(c.frameLog, string(dir), hex)
	if c.linkEvents {
		c.listeners.Dispatch(LinkDataEvent{Direction: dir, Data: hex, Timestamp: time.Now()})
	}
}

// account 统计链路健康，达到阈值后每个失败周期都发送连接失败事件
func (c *Courier) account(err error) {
	if err == nil {
		c.healthy.Store(true)
		c.failures.Store(0)
		return
	}
	// 只有超时和链路故障计入链路健康
	if !apperrors.IsTransport(err) {
		c.logger.Error("轮询周期出错", zap.Error(err))
		return
	}

	c.healthy.Store(false)
	n := c.failures.Add(1)
	c.logger.Warn("通信失败",
		zap.Int64("consecutive_failures", n),
		zap.Error(err))

	if n >= c.retryLimit.Load() {
		c.listeners.Dispatch(ConnectionFailureEvent{Count: int(n), Timestamp: time.Now()})
	}

	// 复位后重新打开失败时串口处于关闭状态，下个周期前再尝试打开
	if apperrors.Is(err, apperrors.ErrDeviceOffline) || apperrors.Is(err, apperrors.ErrSerialPortOpen) {
		if openErr := c.transport.Open(); openErr != nil {
			c.logger.Debug("重新打开串口失败", zap.Error(openErr))
		}
	}
}

// ParseSerialNumber 从序列号查询响应中取出偏移3起的5个字节。
// 前4字节按两位十六进制渲染，第5字节不补零；signed为true时第5字节按有符号值渲染
func ParseSerialNumber(frame []byte, signed bool) (string, error) {
	if len(frame) < identityMinLen {
		return "", apperrors.Newf(apperrors.ErrShortIdentity, "%d bytes", len(frame))
	}

	raw := frame[serialOffset : serialOffset+serialLen]
	var sb strings.Builder
	for _, b := range raw[:serialLen-1] {
		fmt.Fprintf(&sb, "%02x", b)
	}
	last := raw[serialLen-1]
	if signed {
		fmt.Fprintf(&sb, "%x", int8(last))
	} else {
		fmt.Fprintf(&sb, "%x", last)
	}
	return sb.String(), nil
}
