package graph_dirsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsbridge.io/graph-dirsync/dirsync"
)

func init() {
	// Register the webhook and the Pub/Sub replay trigger with the
	// Functions Framework
	functions.HTTP("GroupSyncWebhook", groupSyncWebhook)
	functions.CloudEvent("GroupSyncPubSub", groupSyncPubSub)
}

var logger = newLogger()

func newLogger() *zap.Logger {
	var l, err = zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// notificationProcessor is what the HTTP layer needs from the engine.
type notificationProcessor interface {
	ProcessNotification(ctx context.Context, n *dirsync.ChangeNotification) (*dirsync.SyncStat, error)
}

func buildEngine(cfg dirsync.Config, log *zap.Logger) *dirsync.Engine {
	var resolver = dirsync.NewGraphClient(dirsync.GraphClientOptions{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Logger:       log,
	})
	var directory = dirsync.NewDirectoryClient(dirsync.DirectoryClientOptions{
		OrgDomain:   cfg.OrgDomain,
		APIUser:     cfg.APIUser,
		APIPassword: cfg.APIPassword,
		Logger:      log,
	})
	return dirsync.NewEngine(cfg, resolver, directory, log)
}

// groupSyncWebhook receives the identity provider's change notifications.
// The subscription-validation handshake is answered before anything else
// runs, configuration included.
func groupSyncWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); len(token) > 0 {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, token)
		return
	}

	var cfg, err = LoadConfigFromEnv()
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	handleNotification(w, r, buildEngine(cfg, logger))
}

func handleNotification(w http.ResponseWriter, r *http.Request, proc notificationProcessor) {
	var body, err = io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unable to read request body", http.StatusBadRequest)
		return
	}

	var notification *dirsync.ChangeNotification
	if notification, err = dirsync.ParseNotification(body); err != nil {
		var malformed *dirsync.MalformedPayloadError
		if errors.As(err, &malformed) {
			logger.Warn("rejected notification", zap.Error(err))
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		logger.Error("notification parse failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var correlationID = uuid.NewString()
	var ctx = dirsync.WithCorrelationID(r.Context(), correlationID)
	var stat *dirsync.SyncStat
	if stat, err = proc.ProcessNotification(ctx, notification); err != nil {
		if errors.Is(err, dirsync.ErrClientStateMismatch) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		logger.Error("notification processing failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Per-member failures stay in the logs. The provider cannot retry a
	// single member, so the response must not imply total failure when
	// only a subset failed.
	logger.Info("notification processed",
		zap.String("correlation_id", correlationID),
		zap.Int("succeeded", len(stat.Succeeded)),
		zap.Int("failed", len(stat.Failed)),
		zap.Int("skipped", len(stat.Skipped)))
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "processed")
}

// pubSubMessage is the Pub/Sub payload inside a CloudEvent. Data arrives
// base64 encoded and decodes through the []byte field.
type pubSubMessage struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

// groupSyncPubSub replays a notification envelope delivered out-of-band
// through Pub/Sub. The message data is the same JSON the webhook receives,
// and authenticity is still enforced through its clientState.
func groupSyncPubSub(ctx context.Context, e event.Event) (err error) {
	var msg pubSubMessage
	if err = e.DataAs(&msg); err != nil {
		logger.Error("invalid pubsub event", zap.Error(err))
		return
	}

	var cfg dirsync.Config
	if cfg, err = LoadConfigFromEnv(); err != nil {
		logger.Error("configuration error", zap.Error(err))
		return
	}

	var notification *dirsync.ChangeNotification
	if notification, err = dirsync.ParseNotification(msg.Message.Data); err != nil {
		logger.Error("invalid pubsub notification", zap.Error(err))
		return
	}

	var correlationID = uuid.NewString()
	ctx = dirsync.WithCorrelationID(ctx, correlationID)
	var stat *dirsync.SyncStat
	if stat, err = buildEngine(cfg, logger).ProcessNotification(ctx, notification); err != nil {
		if errors.Is(err, dirsync.ErrClientStateMismatch) {
			logger.Warn("pubsub replay rejected", zap.String("correlation_id", correlationID))
			return fmt.Errorf("pubsub replay rejected: %w", err)
		}
		logger.Error("pubsub replay failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return
	}
	logger.Info("pubsub replay processed",
		zap.String("correlation_id", correlationID),
		zap.Int("succeeded", len(stat.Succeeded)),
		zap.Int("failed", len(stat.Failed)),
		zap.Int("skipped", len(stat.Skipped)))
	return
}
