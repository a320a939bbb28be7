package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/internal/idempotency"
	"github.com/BaSui01/cinegen/jobs"
	"github.com/BaSui01/cinegen/types"
)

// JobService 生成任务接口所需的能力
type JobService interface {
	Enqueue(ctx context.Context, req jobs.Request) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Subscribe(id string) (<-chan jobs.Event, func())
}

// 幂等相关常量
const (
	IdempotencyKeyHeader = "Idempotency-Key"
	IdempotentReplayed   = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
	idempotencyNamespace = "generate:"
)

// MaxListLimit GET /generate/jobs 的 limit 上限
const MaxListLimit = 200

// snapshotEvent 事件流的第一条消息，携带连接时的任务状态
const snapshotEvent jobs.EventType = "snapshot"

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// GenerationHandler 生成任务接口
type GenerationHandler struct {
	jobs    JobService
	idem    idempotency.Manager
	idemTTL time.Duration
	origins []string
	logger  *zap.Logger
}

// GenerationOption 配置 GenerationHandler
type GenerationOption func(*GenerationHandler)

// WithIdempotency 启用 Idempotency-Key 支持
func WithIdempotency(m idempotency.Manager, ttl time.Duration) GenerationOption {
	return func(h *GenerationHandler) {
		h.idem = m
		h.idemTTL = ttl
	}
}

// WithOriginPatterns 允许跨域建立事件流的 Origin 模式
func WithOriginPatterns(patterns []string) GenerationOption {
	return func(h *GenerationHandler) { h.origins = patterns }
}

// NewGenerationHandler 创建生成任务处理器
func NewGenerationHandler(svc JobService, logger *zap.Logger, opts ...GenerationOption) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &GenerationHandler{
		jobs:   svc,
		logger: logger.With(zap.String("handler", "generation")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// idempotencyRecord 幂等键对应的记录；JobID 为空表示请求仍在处理
type idempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	JobID       string    `json:"job_id,omitempty"`
	Job         *jobs.Job `json:"job,omitempty"`
}

// HandleGenerate 处理 POST /generate/video：校验、解析人设并入队，立即返回 202
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req jobs.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" || h.idem == nil {
		h.enqueue(w, r, req)
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		WriteError(w, types.Validation("%s exceeds %d characters", IdempotencyKeyHeader, maxIdempotencyKeyLen), h.logger)
		return
	}
	h.enqueueOnce(w, r, idempotencyNamespace+key, req)
}

func (h *GenerationHandler) enqueue(w http.ResponseWriter, r *http.Request, req jobs.Request) *jobs.Job {
	job, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return nil
	}
	writeAccepted(w, job)
	return job
}

func writeAccepted(w http.ResponseWriter, job *jobs.Job) {
	w.Header().Set("Location", "/generate/jobs/"+job.ID)
	WriteData(w, http.StatusAccepted, job)
}

func (h *GenerationHandler) enqueueOnce(w http.ResponseWriter, r *http.Request, key string, req jobs.Request) {
	ctx := r.Context()
	fingerprint, err := h.idem.GenerateKey(req)
	if err != nil {
		WriteError(w, types.Validation("cannot fingerprint request").WithCause(err), h.logger)
		return
	}

	if h.replay(w, r, key, fingerprint) {
		return
	}

	reserved, err := h.idem.Reserve(ctx, key, idempotencyRecord{Fingerprint: fingerprint}, h.idemTTL)
	if err != nil {
		WriteError(w, types.StoreFailure("reserve idempotency key", err), h.logger)
		return
	}
	if !reserved {
		// 并发的同键请求抢先占位
		if !h.replay(w, r, key, fingerprint) {
			WriteError(w, types.Errorf(types.ErrConflict, "a request with this %s is in progress", IdempotencyKeyHeader).
				WithRetryable(true), h.logger)
		}
		return
	}

	job, err := h.jobs.Enqueue(ctx, req)
	if err != nil {
		if derr := h.idem.Delete(context.WithoutCancel(ctx), key); derr != nil {
			h.logger.Warn("release idempotency key failed", zap.Error(derr))
		}
		WriteError(w, err, h.logger)
		return
	}
	rec := idempotencyRecord{Fingerprint: fingerprint, JobID: job.ID, Job: job}
	if err := h.idem.Set(context.WithoutCancel(ctx), key, rec, h.idemTTL); err != nil {
		// 任务已创建，只记录日志；同键重试会收到 409 而不是重复入队
		h.logger.Warn("store idempotency result failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeAccepted(w, job)
}

// replay 已存在记录时写出响应并返回 true
func (h *GenerationHandler) replay(w http.ResponseWriter, r *http.Request, key, fingerprint string) bool {
	rec, found, err := idempotency.GetTyped[idempotencyRecord](h.idem, r.Context(), key)
	if err != nil {
		WriteError(w, types.StoreFailure("read idempotency key", err), h.logger)
		return true
	}
	if !found {
		return false
	}
	if rec.Fingerprint != fingerprint {
		WriteError(w, types.Errorf(types.ErrConflict, "%s was already used with a different request", IdempotencyKeyHeader), h.logger)
		return true
	}
	if rec.JobID == "" {
		WriteError(w, types.Errorf(types.ErrConflict, "a request with this %s is in progress", IdempotencyKeyHeader).
			WithRetryable(true), h.logger)
		return true
	}

	job, err := h.jobs.Get(r.Context(), rec.JobID)
	if err != nil {
		if rec.Job == nil || types.KindOf(err) != types.ErrNotFound {
			WriteError(w, err, h.logger)
			return true
		}
		// 任务已被保留策略清理，返回入队时的快照
		job = rec.Job
	}
	w.Header().Set(IdempotentReplayed, "true")
	writeAccepted(w, job)
	return true
}

// HandleListJobs 处理 GET /generate/jobs?status=&limit=&offset=
func (h *GenerationHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = q.Get("state")
	}
	state, err := jobs.ParseState(status)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	limit, err := queryInt(q.Get("limit"), jobs.DefaultListLimit)
	if err != nil || limit < 1 || limit > MaxListLimit {
		WriteError(w, types.Validation("limit must be between 1 and %d", MaxListLimit), h.logger)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		WriteError(w, types.Validation("offset must be a non-negative integer"), h.logger)
		return
	}

	list, err := h.jobs.List(r.Context(), jobs.Filter{State: state, Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	WriteSuccess(w, map[string]any{"jobs": list, "count": len(list), "limit": limit, "offset": offset})
}

func queryInt(s string, def int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// HandleGetJob 处理 GET /generate/jobs/{id}
func (h *GenerationHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// HandleCancelJob 处理 DELETE /generate/jobs/{id}。
// 对已结束的任务不报错，cancelled 为 false
func (h *GenerationHandler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	took, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"cancelled": took, "job": job})
}

// HandleJobEvents 处理 GET /generate/jobs/{id}/events：
// 先发送一条 snapshot，再推送生命周期事件，任务结束后正常关闭
func (h *GenerationHandler) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// 先订阅再读快照，避免错过两者之间的事件
	events, unsubscribe := h.jobs.Subscribe(id)
	defer unsubscribe()

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 长连接不受服务器 WriteTimeout 约束
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	if err := h.writeEvent(ctx, conn, snapshotOf(job)); err != nil {
		return
	}
	if job.Terminal() {
		_ = conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// 任务结束或服务关闭
				_ = conn.Close(websocket.StatusNormalClosure, "event stream closed")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *GenerationHandler) writeEvent(ctx context.Context, conn *websocket.Conn, ev jobs.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, ev); err != nil {
		h.logger.Debug("websocket write failed", zap.String("job_id", ev.JobID), zap.Error(err))
		return err
	}
	return nil
}

func snapshotOf(job *jobs.Job) jobs.Event {
	return jobs.Event{
		JobID:       job.ID,
		Type:        snapshotEvent,
		State:       job.State,
		Attempts:    job.Attempts,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		Timestamp:   time.Now().UTC(),
	}
}
