// Package jobs queues the asynchronous follow-up work of a settlement:
// ledger sync, fill notifications and trade fee reporting.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/spotcore/internal/fee"
	"github.com/xtrntr/spotcore/internal/models"
)

type Kind string

const (
	KindLedgerSync Kind = "ledger_sync"
	KindFillEmail  Kind = "fill_email"
	KindTradeFee   Kind = "trade_fee"
)

// Job is one unit of follow-up work. Key is deterministic so consumers can drop duplicates.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

func newJob(kind Kind, key string, payload any) Job {
	raw, err := json.Marshal(payload)
	if err != nil {
		// payloads are plain structs of strings, ints and decimals
		panic(fmt.Sprintf("jobs: encode %s payload: %v", kind, err))
	}
	return Job{ID: uuid.New(), Kind: kind, Key: key, Payload: raw, CreatedAt: time.Now().UTC()}
}

type LedgerSyncPayload struct {
	UserID int64    `json:"user_id"`
	Assets []string `json:"assets"`
	Reason string   `json:"reason"`
}

// LedgerSync asks the ledger mirror to refresh a user's balances.
// ref identifies what changed them, such as a trade or order id.
func LedgerSync(userID int64, ref string, assets ...string) Job {
	assets = append([]string(nil), assets...)
	sort.Strings(assets)
	key := fmt.Sprintf("ledger_sync:%d:%s:%s", userID, ref, strings.Join(assets, ","))
	return newJob(KindLedgerSync, key, LedgerSyncPayload{UserID: userID, Assets: assets, Reason: ref})
}

type FillEmailPayload struct {
	OrderID          int64           `json:"order_id"`
	UserID           int64           `json:"user_id"`
	Pair             string          `json:"pair"`
	Side             models.Side     `json:"side"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
}

// FillEmail notifies a user that an order reached EXECUTED.
func FillEmail(o models.Order) Job {
	return newJob(KindFillEmail, fmt.Sprintf("fill_email:%d", o.ID), FillEmailPayload{
		OrderID:          o.ID,
		UserID:           o.UserID,
		Pair:             o.Pair().String(),
		Side:             o.Side,
		ExecutedQuantity: o.ExecutedQuantity,
	})
}

type TradeFeePayload struct {
	TradeID int64           `json:"trade_id"`
	UserID  int64           `json:"user_id"`
	Side    models.Side     `json:"side"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

func TradeFee(tf fee.TradeFee) Job {
	return newJob(KindTradeFee, fmt.Sprintf("trade_fee:%d:%s", tf.TradeID, tf.Side), TradeFeePayload{
		TradeID: tf.TradeID,
		UserID:  tf.UserID,
		Side:    tf.Side,
		Asset:   tf.Asset,
		Amount:  tf.Amount,
	})
}

// FeeReporter hands trade fees to the referral/commission consumer through the queue.
type FeeReporter struct {
	Queue Queue
}

func (r FeeReporter) ReportTradeFee(ctx context.Context, tf fee.TradeFee) error {
	return r.Queue.Enqueue(ctx, TradeFee(tf))
}

// Memory keeps jobs in a slice, deduplicated by key.
type Memory struct {
	mu   sync.Mutex
	jobs []Job
	seen map[string]bool
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]bool)}
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[job.Key] {
		return nil
	}
	m.seen[job.Key] = true
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.jobs...)
}

func (m *Memory) ByKind(kind Kind) []Job {
	var out []Job
	for _, j := range m.Jobs() {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}
