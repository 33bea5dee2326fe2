package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// archivePage bounds how many trades are read from the store per query.
const archivePage = 5000

// TradeLister is the slice of domain.TradeStore the archiver reads.
type TradeLister interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error)
}

// logWriter is the slice of LogStore the archiver writes through.
type logWriter interface {
	HasLog(ctx context.Context, marketID string) (bool, error)
	PutLog(ctx context.Context, marketID string, body io.Reader, trades int) error
}

// Archiver implements domain.Archiver by serializing a market's trade log to
// JSONL, oldest trade first.
//
// Archived trades stay in the primary store; removing them is a separate
// step once the upload has been verified.
type Archiver struct {
	logs   logWriter
	trades TradeLister
}

// NewArchiver creates an Archiver writing to logs.
func NewArchiver(logs logWriter, trades TradeLister) *Archiver {
	return &Archiver{logs: logs, trades: trades}
}

// ArchiveMarket uploads every trade of marketID and returns how many were
// written. A market that already has a log is skipped and reports 0.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (int64, error) {
	done, err := a.logs.HasLog(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	if done {
		return 0, nil
	}

	trades, err := a.collect(ctx, marketID)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range trades {
		if err := enc.Encode(&trades[i]); err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: encode trade %s: %w", marketID, trades[i].ID, err)
		}
	}

	if err := a.logs.PutLog(ctx, marketID, &buf, len(trades)); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", marketID, err)
	}
	return int64(len(trades)), nil
}

// collect pages through the newest-first trade log and returns it in
// chronological order.
func (a *Archiver) collect(ctx context.Context, marketID string) ([]domain.Trade, error) {
	var all []domain.Trade
	for offset := 0; ; offset += archivePage {
		page, err := a.trades.ListByMarket(ctx, marketID, domain.ListOpts{Limit: archivePage, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive %s query: %w", marketID, err)
		}
		all = append(all, page...)
		if len(page) < archivePage {
			break
		}
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

var _ domain.Archiver = (*Archiver)(nil)
