package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"post_bot/internal/poster/models"
)

const exportPageSize = 500

// AuditRecord 审计导出记录：草稿全部字段、完整检查历史及发布记录
type AuditRecord struct {
	models.Draft
	PostRecord *models.PostRecord `json:"post_record,omitempty"`
}

// ExportAudit 按创建时间导出所有草稿
func (o *Orchestrator) ExportAudit(ctx context.Context) ([]AuditRecord, error) {
	var records []AuditRecord
	for offset := int64(0); ; offset += exportPageSize {
		drafts, err := o.store.ListDrafts(ctx, models.DraftFilter{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to export drafts: %w", err)
		}

		for _, d := range drafts {
			record := AuditRecord{Draft: *d}
			if d.State == models.DraftStatePosted || d.State == models.DraftStateApproved {
				post, err := o.store.GetPostRecord(ctx, d.ID)
				switch {
				case err == nil:
					record.PostRecord = post
				case !errors.Is(err, models.ErrNotFound):
					return nil, err
				}
			}
			if record.SafetyResults == nil {
				record.SafetyResults = []models.CheckResult{}
			}
			records = append(records, record)
		}

		if len(drafts) < exportPageSize {
			break
		}
	}

	if records == nil {
		records = []AuditRecord{}
	}
	return records, nil
}

// WriteAuditJSON 以 JSON 数组写出审计记录
func WriteAuditJSON(w io.Writer, records []AuditRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode audit export: %w", err)
	}
	return nil
}
