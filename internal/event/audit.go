package event

import (
	"context"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

// RunAuditLog logs every bus event until ctx ends or the bus closes.
// Approvals are logged at info level, everything else at debug.
func RunAuditLog(ctx context.Context, b *Bus) error {
	msgs, err := b.Audit(ctx)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			typ := EventType(msg.Metadata.Get("type"))
			ev := logging.Debug()
			if typ == ApprovalGranted || typ == ApprovalRevoked {
				ev = logging.Info()
			}
			ev.Str("event", string(typ)).RawJSON("payload", msg.Payload).Msg("Audit")
			msg.Ack()
		}
	}()
	return nil
}
