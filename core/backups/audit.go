package backups

import (
	"context"

	"berkut-siem/core/store"
)

const (
	AuditCreateBackup     = "backups.create"
	AuditCreateFailed     = "backups.create.failed"
	AuditDeleteBackup     = "backups.delete"
	AuditRetentionDeleted = "backups.retention.deleted"
)

func Log(audits store.AuditStore, ctx context.Context, username, action, result, details string) {
	if audits == nil {
		return
	}
	payload := "result=" + result
	if details != "" {
		payload = payload + " " + details
	}
	_ = audits.Log(ctx, username, action, payload)
}
