package feed

import (
	"sync"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/matcher/pkg/proto"
)

// SymbolStats is the session tape for one symbol. Notional and VWAP are
// decimals so large sessions do not accumulate float error.
type SymbolStats struct {
	Symbol   string
	Trades   uint64
	Volume   uint64
	Notional decimal.Decimal
	VWAP     decimal.Decimal
	High     uint32
	Low      uint32
	Last     uint32
}

// SessionStats aggregates trades per symbol for the life of the process. It
// implements the router's Publisher and ignores everything but trades.
type SessionStats struct {
	logger log.Logger

	mu      sync.RWMutex
	symbols map[string]*SymbolStats
}

// NewSessionStats builds an empty tape.
func NewSessionStats(logger log.Logger) *SessionStats {
	return &SessionStats{
		logger:  logger.New("module", "stats"),
		symbols: make(map[string]*SymbolStats),
	}
}

// Publish folds one output into the tape.
func (s *SessionStats) Publish(msg *proto.Output) {
	if msg.Type != proto.OutputTrade {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.symbols[msg.Symbol]
	if st == nil {
		st = &SymbolStats{Symbol: msg.Symbol, Low: msg.Price}
		s.symbols[msg.Symbol] = st
	}
	st.Trades++
	st.Volume += uint64(msg.Quantity)
	st.Notional = st.Notional.Add(
		decimal.NewFromInt(int64(msg.Price)).Mul(decimal.NewFromInt(int64(msg.Quantity))))
	st.VWAP = st.Notional.Div(decimal.NewFromInt(int64(st.Volume)))
	if msg.Price > st.High {
		st.High = msg.Price
	}
	if msg.Price < st.Low {
		st.Low = msg.Price
	}
	st.Last = msg.Price
}

// Snapshot copies the tape for one symbol. The bool is false when the symbol
// has not traded.
func (s *SessionStats) Snapshot(symbol string) (SymbolStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.symbols[symbol]
	if st == nil {
		return SymbolStats{}, false
	}
	return *st, true
}

// Symbols lists every symbol that has traded this session.
func (s *SessionStats) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// LogSummary writes the session tape to the log, one line per symbol.
func (s *SessionStats) LogSummary() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.symbols {
		s.logger.Info("session summary",
			"symbol", st.Symbol,
			"trades", st.Trades,
			"volume", st.Volume,
			"vwap", st.VWAP.StringFixed(4),
			"high", st.High,
			"low", st.Low,
			"last", st.Last)
	}
}
