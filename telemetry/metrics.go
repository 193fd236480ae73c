// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatsReceived       *prometheus.CounterVec // room, premium
	FramesDropped       prometheus.Counter
	RoomConnectFailures prometheus.Counter
	Heartbeats          *prometheus.CounterVec // result: ok|fail|error
	KickOuts            prometheus.Counter
	RemoteDisconnects   prometheus.Counter
	PrepareFailures     *prometheus.CounterVec // reason
	CommentsPosted      *prometheus.CounterVec // status
	SessionsStarted     prometheus.Counter

	// Histograms (seconds)
	APIRequestDuration *prometheus.HistogramVec // op, outcome
	PrepareDuration    prometheus.Observer

	// Gauges
	RoomsOpenGauge         prometheus.Gauge
	ListeningGauge         prometheus.Gauge // 1=listening,0=idle
	WatchCountGauge        prometheus.Gauge
	CommentCountGauge      prometheus.Gauge
	HeartbeatIntervalGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "roomwatch_chats_received_total", Help: "Chats received by room and premium tier"}, []string{"room", "premium"})
		FramesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "roomwatch_frames_dropped_total", Help: "Room stream frames that could not be decoded"})
		RoomConnectFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "roomwatch_room_connect_failures_total", Help: "Room listeners that failed to connect or lost their connection"})
		Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{Name: "roomwatch_heartbeats_total", Help: "Heartbeat calls by result"}, []string{"result"})
		KickOuts = promauto.NewCounter(prometheus.CounterOpts{Name: "roomwatch_kickouts_total", Help: "Seat kick-outs detected"})
		RemoteDisconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "roomwatch_remote_disconnects_total", Help: "Disconnect commands received from the broadcast"})
		PrepareFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "roomwatch_prepare_failures_total", Help: "Connect attempts that failed before listening, by reason"}, []string{"reason"})
		CommentsPosted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "roomwatch_comments_posted_total", Help: "Comment post results by status"}, []string{"status"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "roomwatch_sessions_started_total", Help: "Sessions that reached the listening state"})
		APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "roomwatch_api_request_duration_seconds", Help: "Platform API call duration seconds", Buckets: prometheus.DefBuckets}, []string{"op", "outcome"})
		PrepareDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "roomwatch_prepare_duration_seconds", Help: "Time from connect to listening", Buckets: prometheus.DefBuckets})
		RoomsOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "roomwatch_rooms_open", Help: "Room listeners currently open"})
		ListeningGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "roomwatch_listening", Help: "Session listening=1 idle=0"})
		WatchCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "roomwatch_watch_count", Help: "Viewer count from the last heartbeat"})
		CommentCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "roomwatch_comment_count", Help: "Comment count from the last heartbeat"})
		HeartbeatIntervalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "roomwatch_heartbeat_interval_seconds", Help: "Current heartbeat interval"})
	})
}

// IncChat counts a received chat.
func IncChat(room, premium string) {
	if ChatsReceived != nil {
		ChatsReceived.WithLabelValues(room, premium).Inc()
	}
}

// IncFramesDropped counts an undecodable frame.
func IncFramesDropped() {
	if FramesDropped != nil {
		FramesDropped.Inc()
	}
}

// IncRoomConnectFailure counts a failed room connection.
func IncRoomConnectFailure() {
	if RoomConnectFailures != nil {
		RoomConnectFailures.Inc()
	}
}

// IncHeartbeat counts a heartbeat by result.
func IncHeartbeat(result string) {
	if Heartbeats != nil {
		Heartbeats.WithLabelValues(result).Inc()
	}
}

func IncKickOut() {
	if KickOuts != nil {
		KickOuts.Inc()
	}
}

func IncRemoteDisconnect() {
	if RemoteDisconnects != nil {
		RemoteDisconnects.Inc()
	}
}

// IncPrepareFailure counts a failed connect by reason.
func IncPrepareFailure(reason string) {
	if PrepareFailures != nil {
		PrepareFailures.WithLabelValues(reason).Inc()
	}
}

// IncCommentPosted counts a comment result.
func IncCommentPosted(status string) {
	if CommentsPosted != nil {
		CommentsPosted.WithLabelValues(status).Inc()
	}
}

func IncSessionStarted() {
	if SessionsStarted != nil {
		SessionsStarted.Inc()
	}
}

// ObserveAPIRequest records the duration of one platform API call.
func ObserveAPIRequest(op string, d time.Duration, err error) {
	if APIRequestDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	APIRequestDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// SetRoomsOpen records the number of open room listeners.
func SetRoomsOpen(n int) {
	if RoomsOpenGauge != nil {
		RoomsOpenGauge.Set(float64(n))
	}
}

// SetListening sets the listening gauge to 1 if listening else 0.
func SetListening(listening bool) {
	if ListeningGauge == nil {
		return
	}
	if listening {
		ListeningGauge.Set(1)
	} else {
		ListeningGauge.Set(0)
	}
}

// SetHeartbeatCounts records counters reported by a heartbeat.
func SetHeartbeatCounts(watch, comment int) {
	if WatchCountGauge != nil {
		WatchCountGauge.Set(float64(watch))
	}
	if CommentCountGauge != nil {
		CommentCountGauge.Set(float64(comment))
	}
}

// SetHeartbeatInterval records the current heartbeat interval.
func SetHeartbeatInterval(d time.Duration) {
	if HeartbeatIntervalGauge != nil {
		HeartbeatIntervalGauge.Set(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
