package xe

import (
	"errors"

	"github.com/go-orz/orz"
)

// API 层错误码
var (
	ErrInvalidParams    = orz.NewError(10400, "参数无效")
	ErrStrategyNotFound = orz.NewError(10001, "策略不存在")
	ErrSymbolNotFound   = orz.NewError(10002, "交易对不存在")
)

// 交易流程的错误分类，供编排器在循环边界统一处理
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrPersistenceFailure = errors.New("persistence failure")
)
