package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

// multipartThreshold is the report size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// EventSource supplies the event log archived next to a report.
type EventSource interface {
	ListEvents(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]domain.Event, error)
}

// ReportArchiver writes a finalized auction's settlement report and its
// event log to object storage:
//
//	reports/{auction}/settlement.json
//	reports/{auction}/events.jsonl
//
// events and audit may be nil.
type ReportArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events EventSource
	audit  domain.AuditStore
}

func NewReportArchiver(writer domain.BlobWriter, reader domain.BlobReader, events EventSource, audit domain.AuditStore) *ReportArchiver {
	return &ReportArchiver{writer: writer, reader: reader, events: events, audit: audit}
}

// ArchiveReport uploads the report and returns its path. Archiving the same
// auction again overwrites the previous objects.
func (a *ReportArchiver) ArchiveReport(ctx context.Context, report domain.SettlementReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", report.AuctionID, err)
	}
	path := reportPath(report.AuctionID)
	if len(data) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive report %s: %w", report.AuctionID, err)
	}

	var eventCount int
	if a.events != nil {
		evs, err := a.events.ListEvents(ctx, report.AuctionID, 0, 0)
		if err != nil {
			return path, fmt.Errorf("s3blob: archive events %s: %w", report.AuctionID, err)
		}
		buf, err := marshalJSONL(evs)
		if err != nil {
			return path, fmt.Errorf("s3blob: archive events %s: %w", report.AuctionID, err)
		}
		if err := a.writer.Put(ctx, eventsPath(report.AuctionID), bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return path, fmt.Errorf("s3blob: archive events %s: %w", report.AuctionID, err)
		}
		eventCount = len(evs)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.report", map[string]any{
			"path":        path,
			"allocations": len(report.Allocations),
			"events":      eventCount,
			"signed":      report.Signature != "",
		}); err != nil {
			return path, fmt.Errorf("s3blob: audit report archive: %w", err)
		}
	}
	return path, nil
}

// LoadReport reads back an archived report, or domain.ErrNotFound.
func (a *ReportArchiver) LoadReport(ctx context.Context, auctionID string) (domain.SettlementReport, error) {
	body, err := a.reader.Get(ctx, reportPath(auctionID))
	if err != nil {
		return domain.SettlementReport{}, err
	}
	defer body.Close()

	var rep domain.SettlementReport
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		return domain.SettlementReport{}, fmt.Errorf("s3blob: decode report %s: %w", auctionID, err)
	}
	return rep, nil
}

func reportPath(auctionID string) string {
	return fmt.Sprintf("reports/%s/settlement.json", auctionID)
}

func eventsPath(auctionID string) string {
	return fmt.Sprintf("reports/%s/events.jsonl", auctionID)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.ReportArchiver = (*ReportArchiver)(nil)
