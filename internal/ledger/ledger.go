package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/xe"
)

// priceEpsilon 判定重复加仓的入场价容差，
// 重试写入会携带完全相同的成交价
const priceEpsilon = 1e-6

// Lot 一笔独立的买入记录，创建后不可修改，只能随 CloseAll 一起移除
type Lot struct {
	ID              int64     `json:"id"`
	EntryPrice      float64   `json:"entry_price"`
	QuoteSize       float64   `json:"quote_size"`
	BaseAmount      float64   `json:"base_amount"`
	OpenedAt        time.Time `json:"opened_at"`
	OrderRef        string    `json:"order_ref,omitempty"`
	IsReconstructed bool      `json:"is_reconstructed"`
}

// SymbolPosition 单个交易对的持仓聚合
type SymbolPosition struct {
	Lots                     []Lot   `json:"lots"`
	TotalQuoteSize           float64 `json:"total_quote_size"`
	VolumeWeightedEntryPrice float64 `json:"volume_weighted_entry_price"`
	WorstCaseEntryPrice      float64 `json:"worst_case_entry_price"`
	TotalBaseAmount          float64 `json:"total_base_amount"`
	NextLotID                int64   `json:"next_lot_id"`
}

// legacyPosition 旧版单仓位结构，加载时升级为单个重建批次
type legacyPosition struct {
	EntryPrice   float64 `json:"entry_price"`
	PositionSize float64 `json:"position_size"`
	CryptoAmount float64 `json:"crypto_amount"`
	Timestamp    int64   `json:"timestamp"`
}

// Store 持仓账本，进程内唯一写入者。
// 每次变更立即落盘，落盘失败则回滚内存状态
type Store struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	data map[string]*SymbolPosition
}

func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		data:   make(map[string]*SymbolPosition),
	}
}

// Load 从磁盘恢复账本，文件不存在视为空账本
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.data = make(map[string]*SymbolPosition)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger file: %w", err)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse ledger file: %w", err)
	}

	data := make(map[string]*SymbolPosition, len(envelope))
	for symbol, msg := range envelope {
		pos, upgraded, err := parsePosition(msg)
		if err != nil {
			return fmt.Errorf("parse ledger entry for %s: %w", symbol, err)
		}
		if upgraded {
			s.logger.Warn("ledger entry upgraded from legacy schema",
				zap.String("symbol", symbol),
				zap.Float64("entry_price", pos.WorstCaseEntryPrice))
		}
		data[symbol] = pos
	}

	s.data = data
	return nil
}

// parsePosition 解析单个交易对的数据，旧版结构包装为一个重建批次
func parsePosition(msg json.RawMessage) (*SymbolPosition, bool, error) {
	var head struct {
		Lots *json.RawMessage `json:"lots"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, false, err
	}

	if head.Lots != nil {
		var pos SymbolPosition
		if err := json.Unmarshal(msg, &pos); err != nil {
			return nil, false, err
		}
		// 对账写入的最差入场价可能高于本地批次的最大值，重启后保留
		anchored := pos.WorstCaseEntryPrice
		recompute(&pos)
		if len(pos.Lots) > 0 && anchored > pos.WorstCaseEntryPrice {
			pos.WorstCaseEntryPrice = anchored
		}
		return &pos, false, nil
	}

	var legacy legacyPosition
	if err := json.Unmarshal(msg, &legacy); err != nil {
		return nil, false, err
	}

	pos := &SymbolPosition{NextLotID: 2}
	if legacy.CryptoAmount > 0 {
		pos.Lots = []Lot{{
			ID:              1,
			EntryPrice:      legacy.EntryPrice,
			QuoteSize:       legacy.PositionSize,
			BaseAmount:      legacy.CryptoAmount,
			OpenedAt:        time.Unix(legacy.Timestamp, 0),
			IsReconstructed: true,
		}}
	}
	recompute(pos)
	return pos, true, nil
}

// AddLot 追加一个买入批次并立即持久化。
// 入场价与已有批次相差小于容差时视为重试写入，记录日志并返回已有批次
func (s *Store) AddLot(symbol string, entryPrice, quoteSize, baseAmount float64, orderRef string) (*Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	if pos == nil {
		pos = &SymbolPosition{NextLotID: 1}
		s.data[symbol] = pos
	}

	for i := range pos.Lots {
		if math.Abs(pos.Lots[i].EntryPrice-entryPrice) < priceEpsilon {
			s.logger.Warn("duplicate lot add rejected",
				zap.String("symbol", symbol),
				zap.Float64("entry_price", entryPrice),
				zap.Int64("existing_lot_id", pos.Lots[i].ID))
			existing := pos.Lots[i]
			return &existing, nil
		}
	}

	backup := clonePosition(pos)

	lot := Lot{
		ID:         pos.NextLotID,
		EntryPrice: entryPrice,
		QuoteSize:  quoteSize,
		BaseAmount: baseAmount,
		OpenedAt:   time.Now(),
		OrderRef:   orderRef,
	}
	pos.NextLotID++
	pos.Lots = append(pos.Lots, lot)
	recompute(pos)

	if err := s.persistLocked(); err != nil {
		s.data[symbol] = backup
		return nil, fmt.Errorf("%w: %v", xe.ErrPersistenceFailure, err)
	}
	return &lot, nil
}

// CloseAll 清空指定交易对的所有批次，保留批次序号
func (s *Store) CloseAll(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	if pos == nil || len(pos.Lots) == 0 {
		return nil
	}

	backup := clonePosition(pos)

	pos.Lots = nil
	recompute(pos)

	if err := s.persistLocked(); err != nil {
		s.data[symbol] = backup
		return fmt.Errorf("%w: %v", xe.ErrPersistenceFailure, err)
	}
	return nil
}

// Replace 用对账重建的批次整体替换指定交易对的账本
func (s *Store) Replace(symbol string, lots []Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	if pos == nil {
		pos = &SymbolPosition{NextLotID: 1}
		s.data[symbol] = pos
	}
	backup := clonePosition(pos)

	pos.Lots = make([]Lot, 0, len(lots))
	for _, lot := range lots {
		lot.ID = pos.NextLotID
		pos.NextLotID++
		pos.Lots = append(pos.Lots, lot)
	}
	recompute(pos)

	if err := s.persistLocked(); err != nil {
		s.data[symbol] = backup
		return fmt.Errorf("%w: %v", xe.ErrPersistenceFailure, err)
	}
	return nil
}

// SetWorstCase 仅覆盖最差入场价，本地批次保持不变
func (s *Store) SetWorstCase(symbol string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	if pos == nil || len(pos.Lots) == 0 {
		return nil
	}
	if pos.WorstCaseEntryPrice == price {
		return nil
	}

	backup := clonePosition(pos)
	pos.WorstCaseEntryPrice = price

	if err := s.persistLocked(); err != nil {
		s.data[symbol] = backup
		return fmt.Errorf("%w: %v", xe.ErrPersistenceFailure, err)
	}
	return nil
}

// Snapshot 返回指定交易对的只读副本，无持仓时返回空聚合
func (s *Store) Snapshot(symbol string) SymbolPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	if pos == nil {
		return SymbolPosition{NextLotID: 1}
	}
	return *clonePosition(pos)
}

// HasPosition 指定交易对是否存在未平批次
func (s *Store) HasPosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.data[symbol]
	return pos != nil && len(pos.Lots) > 0
}

// Persist 主动落盘，正常路径下变更操作已自动落盘
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked 写临时文件后原子重命名，调用方需持有锁
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp ledger file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename ledger file: %w", err)
	}
	return nil
}

// recompute 由当前批次重新推导聚合字段，保证总量永不漂移
func recompute(pos *SymbolPosition) {
	pos.TotalQuoteSize = 0
	pos.TotalBaseAmount = 0
	pos.WorstCaseEntryPrice = 0
	for _, lot := range pos.Lots {
		pos.TotalQuoteSize += lot.QuoteSize
		pos.TotalBaseAmount += lot.BaseAmount
		if lot.EntryPrice > pos.WorstCaseEntryPrice {
			pos.WorstCaseEntryPrice = lot.EntryPrice
		}
	}
	if pos.TotalBaseAmount > 0 {
		pos.VolumeWeightedEntryPrice = pos.TotalQuoteSize / pos.TotalBaseAmount
	} else {
		pos.VolumeWeightedEntryPrice = 0
	}
	if pos.NextLotID < 1 {
		pos.NextLotID = 1
	}
}

func clonePosition(pos *SymbolPosition) *SymbolPosition {
	cp := *pos
	cp.Lots = append([]Lot(nil), pos.Lots...)
	return &cp
}
