package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrNotFound     ErrorCode = 1002
	ErrTimeout      ErrorCode = 1005

	// 硬件错误 (3000-3999)
	ErrSerialPortOpen  ErrorCode = 3000
	ErrSerialPortWrite ErrorCode = 3001
	ErrSerialPortRead  ErrorCode = 3002
	ErrSerialTimeout   ErrorCode = 3003
	ErrDeviceOffline   ErrorCode = 3004
	ErrInvalidResponse ErrorCode = 3007
	ErrShortIdentity   ErrorCode = 3008

	// 轮询器错误 (3500-3599)
	ErrCourierRunning ErrorCode = 3500
	ErrCourierStopped ErrorCode = 3501

	// 通信错误 (4000-4999)
	ErrWebSocketSend   ErrorCode = 4001
	ErrWebSocketClosed ErrorCode = 4003
	ErrMessageFormat   ErrorCode = 4007

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002

	// 安全错误 (7000-7999)
	ErrAuthentication ErrorCode = 7000
	ErrAuthorization  ErrorCode = 7001
	ErrTokenExpired   ErrorCode = 7002
	ErrTokenInvalid   ErrorCode = 7003
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrNotFound:     "资源未找到",
	ErrTimeout:      "操作超时",

	ErrSerialPortOpen:  "串口打开失败",
	ErrSerialPortWrite: "串口写入失败",
	ErrSerialPortRead:  "串口读取失败",
	ErrSerialTimeout:   "串口通信超时",
	ErrDeviceOffline:   "设备离线",
	ErrInvalidResponse: "无效的设备响应",
	ErrShortIdentity:   "序列号响应长度不足",

	ErrCourierRunning: "轮询器已在运行",
	ErrCourierStopped: "轮询器已停止",

	ErrWebSocketSend:   "WebSocket发送失败",
	ErrWebSocketClosed: "WebSocket连接已关闭",
	ErrMessageFormat:   "消息格式错误",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",

	ErrAuthentication: "认证失败",
	ErrAuthorization:  "授权失败",
	ErrTokenExpired:   "令牌已过期",
	ErrTokenInvalid:   "无效的令牌",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is 支持标准库 errors.Is，错误码相同即视为同一类错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is 判断错误链中是否存在指定错误码
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if strings.Contains(frame.Function, "runtime.") ||
			strings.Contains(frame.Function, "github.com/wfunc/bill-acceptor/internal/errors") {
			if !more {
				break
			}
			continue
		}

		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		// 只保留前10个栈帧
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrInvalidParam:
		return 400
	case e.Code == ErrNotFound:
		return 404
	case e.Code == ErrTimeout:
		return 408
	case e.Code == ErrCourierRunning || e.Code == ErrCourierStopped:
		return 409
	case e.Code == ErrAuthorization:
		return 403
	case e.Code >= 7000 && e.Code <= 7003:
		return 401
	case e.Code >= 3000 && e.Code <= 3999:
		return 503
	default:
		return 500
	}
}

// IsTransport 判断是否为链路层错误（超时或硬件故障），这类错误计入链路健康统计
func IsTransport(err error) bool {
	for _, code := range transportCodes {
		if Is(err, code) {
			return true
		}
	}
	return false
}

var transportCodes = []ErrorCode{
	ErrSerialTimeout,
	ErrSerialPortOpen,
	ErrSerialPortWrite,
	ErrSerialPortRead,
	ErrDeviceOffline,
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		Timestamp: time.Now().Unix(),
	}
}
