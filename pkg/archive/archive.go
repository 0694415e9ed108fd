// Package archive is the optional durable backstop for finalized calls
// (§3 notes the in-process CallContext is retained only long enough to
// answer the outcome write, then evicted): a Mongo-backed write-behind
// copy of every transcript and outcome, for support/debugging lookups
// after the live call is long gone. Grounded on the teacher's
// pkg/mongo.Client/QueryBuilder.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/pkg/callctx"
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/mongo"
	"github.com/troikatech/voicebridge/pkg/otel"
)

const collectionName = "call_archive"

// Store persists finalized calls. A nil *Store is valid and a no-op,
// so archiving can be disabled by simply not constructing one.
type Store struct {
	client *mongo.Client
}

// NewStore connects to Mongo and returns a Store, or an error if the
// archive database is configured but unreachable.
func NewStore(mongoURI, dbName string) (*Store, error) {
	client, err := mongo.NewClient(mongoURI, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect call archive store: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// record is the archived document shape; it duplicates rather than
// references apiclient's wire types so the archive schema does not drift
// with the business API's contract.
type record struct {
	CallID       string                    `bson:"callId"`
	RestaurantID string                    `bson:"restaurantId"`
	CallerNumber string                    `bson:"callerNumber"`
	Outcome      string                    `bson:"outcome"`
	StartedAt    time.Time                 `bson:"startedAt"`
	ArchivedAt   time.Time                 `bson:"archivedAt"`
	Transcript   []callctx.TranscriptTurn `bson:"transcript"`
}

// Archive writes one finalized call. Failures are logged, not returned:
// the archive is a best-effort backstop and must never hold up or fail a
// call's finalize path (§4.E finalize is the terminal, must-succeed step;
// archiving is strictly downstream of it).
func (s *Store) Archive(ctx context.Context, call *callctx.Context) {
	if s == nil {
		return
	}

	doc := record{
		CallID:       call.CallID,
		RestaurantID: call.RestaurantID,
		CallerNumber: call.CallerNumber,
		Outcome:      callctx.Outcome(call.Flags()),
		StartedAt:    call.StartedAt,
		ArchivedAt:   time.Now(),
		Transcript:   call.Transcript(),
	}

	_, err := otel.ExecuteInsert(ctx, collectionName, func() (interface{}, error) {
		return s.client.NewQuery(collectionName).Insert(ctx, doc)
	})
	if err != nil {
		logger.Log.Warn("call archive write failed", zap.String("call_id", call.CallID), zap.Error(err))
	}
}

const auditCollectionName = "call_audit_log"

// auditEntry is one operator action against a live call (hangup, transfer).
type auditEntry struct {
	UserID string    `bson:"userId"`
	Action string    `bson:"action"`
	CallID string    `bson:"callId"`
	At     time.Time `bson:"at"`
}

// LogAction records an operator-initiated action against a live call
// (§4.H admin endpoints). Like Archive, it is best-effort: a write failure
// is logged, not returned, since auditing must never block the operator
// action it is recording.
func (s *Store) LogAction(ctx context.Context, userID, action, callID string) {
	if s == nil {
		return
	}

	entry := auditEntry{
		UserID: userID,
		Action: action,
		CallID: callID,
		At:     time.Now(),
	}

	_, err := otel.ExecuteInsert(ctx, auditCollectionName, func() (interface{}, error) {
		return s.client.NewQuery(auditCollectionName).Insert(ctx, entry)
	})
	if err != nil {
		logger.Log.Warn("call audit write failed", zap.String("call_id", callID), zap.String("action", action), zap.Error(err))
	}
}
