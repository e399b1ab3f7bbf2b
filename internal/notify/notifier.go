// Package notify is the engine's outbound notification sink. Delivery
// is best-effort: a failed notification is logged and never fails the
// settlement, payout or refund that triggered it.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindOrderReceipt    Kind = "order.receipt"
	KindPayeeEarnings   Kind = "payee.earnings"
	KindPayoutCompleted Kind = "payout.completed"
	KindRefundCompleted Kind = "refund.completed"
)

func (k Kind) String() string { return string(k) }

type Notifier interface {
	Notify(ctx context.Context, kind Kind, payload any)
}

// LogNotifier writes notifications to the structured log. It stands in
// for the email pipeline, which lives outside this engine.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Notify(_ context.Context, kind Kind, payload any) {
	log.Info().Stringer("kind", kind).Interface("payload", payload).Msg("notification emitted")
}
