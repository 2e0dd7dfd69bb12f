package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	// 测试开发环境日志初始化
	devLogger, err := NewLogger(true)
	require.NoError(t, err, "开发环境日志初始化应成功")
	require.NotNil(t, devLogger, "开发环境日志不应为nil")

	// 测试生产环境日志初始化
	prodLogger, err := NewLogger(false)
	require.NoError(t, err, "生产环境日志初始化应成功")
	require.NotNil(t, prodLogger, "生产环境日志不应为nil")

	testLoggerMethods(t, devLogger)
	testLoggerMethods(t, prodLogger)
	testLoggerMethods(t, NewNopLogger())
}

func TestNewLoggerWithLevel(t *testing.T) {
	logger, err := NewLoggerWithLevel(false, "warn")
	require.NoError(t, err)
	testLoggerMethods(t, logger)

	_, err = NewLoggerWithLevel(false, "not-a-level")
	assert.Error(t, err, "非法日志级别应返回错误")
}

func testLoggerMethods(t *testing.T, logger Logger) {
	t.Helper()

	// 确保所有日志方法都不会抛出异常
	assert.NotPanics(t, func() {
		logger.Debug("测试Debug日志", zap.String("key", "value"))
		logger.Info("测试Info日志", zap.String("key", "value"))
		logger.Warn("测试Warn日志", zap.String("key", "value"))
		logger.Error("测试Error日志", zap.String("key", "value"))
		// 不测试Fatal，它会调用os.Exit
	}, "日志方法不应panic")
}
