package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/video"
)

// finalizeTimeout 写终态时使用的独立超时，任务上下文可能已经过期
const finalizeTimeout = 10 * time.Second

var errCancelRequested = errors.New("cancel requested")

func (m *Manager) workerLoop(ctx context.Context, workerID int) {
	logger := m.logger.With(zap.Int("worker", workerID))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	idle := time.NewTimer(m.cfg.IdleInterval)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := m.store.ClaimNext(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("claim job failed", zap.Error(err))
		}
		if job != nil {
			m.process(ctx, job, logger)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-idle.C:
		}
	}
}

// process 处理一个已领取的任务。取消检查点：派发前、每次轮询之间、写终态时
func (m *Manager) process(ctx context.Context, job *Job, logger *zap.Logger) {
	start := time.Now()
	logger = logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	jobCtx, cancel := context.WithTimeout(types.WithJobID(ctx, job.ID), m.cfg.JobTimeout)
	defer cancel()

	jobCtx, span := m.tracer.Start(jobCtx, "job.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	m.meters.active.Add(ctx, 1)
	defer m.meters.active.Add(context.WithoutCancel(ctx), -1)

	m.publish(job, EventStarted)
	logger.Info("job started")

	result, provider, err := m.generate(jobCtx, job, logger)
	switch {
	case err == nil:
		m.finishSucceeded(ctx, job.ID, provider, result, logger, start)
	case errors.Is(err, errCancelRequested):
		m.finishCancelled(ctx, job.ID, logger, start)
	case ctx.Err() != nil:
		// 进程正在停止，任务交给下一次启动
		fctx, fcancel := m.finalizeContext(ctx)
		defer fcancel()
		if updated, changed, ierr := m.interrupt(fctx, job.ID, "worker stopped during processing"); ierr != nil {
			logger.Error("failed to release interrupted job", zap.Error(ierr))
		} else if changed {
			m.publish(updated, EventRecovered)
		}
	default:
		if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil {
			err = types.Errorf(types.ErrTimeout, "job exceeded timeout of %s", m.cfg.JobTimeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.handleFailure(ctx, job.ID, provider, err, logger, start)
	}
}

// generate 派发请求，对异步服务商轮询直到终态
func (m *Manager) generate(ctx context.Context, job *Job, logger *zap.Logger) (*video.Result, string, error) {
	// 领取时的快照里 CancelRequested 总是 false，派发前重新读取
	if err := m.checkCancel(ctx, job.ID); err != nil {
		return nil, "", err
	}
	ctx = video.WithAttemptGate(ctx, func(ctx context.Context) error {
		// 读取失败时不拦截，由下一个检查点处理
		if err := m.checkCancel(ctx, job.ID); errors.Is(err, errCancelRequested) {
			return err
		}
		return nil
	})

	req := BuildVideoRequest(job)
	dispatch, err := m.client.Submit(ctx, req, job.Request.Parameters.ProviderPreference)
	if err != nil {
		return nil, "", err
	}

	fctx, fcancel := m.finalizeContext(ctx)
	_, uerr := m.store.Update(fctx, job.ID, func(j *Job) error {
		j.Provider = dispatch.Provider
		j.OperationID = dispatch.OperationID
		j.step(40, "submitted to "+dispatch.Provider, time.Now().UTC())
		return nil
	})
	fcancel()
	if uerr != nil {
		logger.Warn("failed to record dispatch", zap.Error(uerr))
	}
	logger.Info("job dispatched",
		zap.String("provider", dispatch.Provider),
		zap.String("operation_id", dispatch.OperationID))

	if dispatch.Result != nil {
		return dispatch.Result, dispatch.Provider, nil
	}
	result, err := m.poll(ctx, job.ID, dispatch.Provider, dispatch.OperationID, logger)
	return result, dispatch.Provider, err
}

// checkCancel 返回 errCancelRequested 表示任务已被请求取消
func (m *Manager) checkCancel(ctx context.Context, id string) error {
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.CancelRequested {
		return errCancelRequested
	}
	return nil
}

// poll 以固定间隔查询异步操作，超过 PollTimeout 返回 timeout_error
func (m *Manager) poll(ctx context.Context, jobID, provider, operationID string, logger *zap.Logger) (*video.Result, error) {
	deadline := time.Now().Add(m.cfg.PollTimeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if err := m.checkCancel(ctx, jobID); err != nil {
			return nil, err
		}

		st, err := m.client.Status(ctx, provider, operationID)
		switch {
		case err != nil && !types.IsRetryable(err):
			return nil, err
		case err != nil:
			logger.Warn("operation status unavailable", zap.Int("poll", polls), zap.Error(err))
		case st.State == video.OperationSucceeded:
			if st.Result == nil {
				return nil, types.NewError(types.ErrProviderPermanent, "operation succeeded without a result").WithProvider(provider)
			}
			if st.Result.OperationID == "" {
				st.Result.OperationID = operationID
			}
			return st.Result, nil
		case st.State == video.OperationFailed:
			if st.Error == nil {
				return nil, types.NewError(types.ErrProviderPermanent, "operation failed").WithProvider(provider)
			}
			return nil, st.Error
		default:
			progress := 40 + st.Progress/2
			updated, uerr := m.store.Update(ctx, jobID, func(j *Job) error {
				if j.State != StateRunning {
					return ErrNoChange
				}
				j.step(progress, fmt.Sprintf("waiting for %s (poll %d)", provider, polls), time.Now().UTC())
				return nil
			})
			if uerr == nil {
				m.publish(updated, EventProgress)
			}
		}

		if time.Now().After(deadline) {
			return nil, types.Errorf(types.ErrTimeout, "%s operation did not finish within %s", provider, m.cfg.PollTimeout).
				WithProvider(provider)
		}
	}
}

func (m *Manager) finishSucceeded(ctx context.Context, id, provider string, result *video.Result, logger *zap.Logger, start time.Time) {
	fctx, cancel := m.finalizeContext(ctx)
	defer cancel()

	job, err := m.store.Update(fctx, id, func(j *Job) error {
		if j.State != StateRunning {
			return ErrNoChange
		}
		now := time.Now().UTC()
		if j.CancelRequested {
			// 结果被丢弃
			j.Result = nil
			j.CurrentStep = "cancelled"
			return j.Transition(StateCancelled, now)
		}
		if err := j.Transition(StateSucceeded, now); err != nil {
			return err
		}
		j.Result = result
		j.Provider = provider
		j.Error = nil
		j.step(100, "completed", now)
		return nil
	})
	if err != nil {
		logger.Error("failed to store job result", zap.Error(err))
		return
	}
	m.finish(job, logger, start)
}

func (m *Manager) finishCancelled(ctx context.Context, id string, logger *zap.Logger, start time.Time) {
	fctx, cancel := m.finalizeContext(ctx)
	defer cancel()

	job, err := m.store.Update(fctx, id, func(j *Job) error {
		if j.State != StateRunning {
			return ErrNoChange
		}
		j.CurrentStep = "cancelled"
		return j.Transition(StateCancelled, time.Now().UTC())
	})
	if err != nil {
		logger.Error("failed to cancel job", zap.Error(err))
		return
	}
	m.finish(job, logger, start)
}

// handleFailure 可重试错误在未达上限时重新入队，否则失败。已请求取消的任务直接取消
func (m *Manager) handleFailure(ctx context.Context, id, provider string, cause error, logger *zap.Logger, start time.Time) {
	fctx, cancel := m.finalizeContext(ctx)
	defer cancel()

	rec := NewErrorRecord(cause)
	requeued := false
	job, err := m.store.Update(fctx, id, func(j *Job) error {
		requeued = false
		if j.State != StateRunning {
			return ErrNoChange
		}
		now := time.Now().UTC()
		j.LastError = rec
		switch {
		case j.CancelRequested:
			j.CurrentStep = "cancelled"
			return j.Transition(StateCancelled, now)
		case rec.Retryable && j.Attempts < j.MaxAttempts:
			if err := j.Transition(StateQueued, now); err != nil {
				return err
			}
			j.Provider, j.OperationID = "", ""
			j.CurrentStep = fmt.Sprintf("retrying after attempt %d", j.Attempts)
			requeued = true
			return nil
		default:
			if err := j.Transition(StateFailed, now); err != nil {
				return err
			}
			j.Error = rec
			if j.Provider == "" {
				j.Provider = provider
			}
			j.CurrentStep = "failed"
			return nil
		}
	})
	if err != nil {
		logger.Error("failed to record job failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	if requeued {
		logger.Warn("job attempt failed, requeued",
			zap.String("kind", string(rec.Kind)),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.String("message", rec.Message))
		m.publish(job, EventRetry)
		m.notify()
		return
	}
	m.finish(job, logger, start)
}

func (m *Manager) finish(job *Job, logger *zap.Logger, start time.Time) {
	if !job.Terminal() {
		return
	}
	fields := []zap.Field{
		zap.String("state", string(job.State)),
		zap.String("provider", job.Provider),
		zap.Int("attempts", job.Attempts),
		zap.Duration("duration", time.Since(start)),
	}
	switch job.State {
	case StateSucceeded:
		logger.Info("job succeeded", append(fields, zap.String("asset", job.Result.AssetLocation))...)
		m.publish(job, EventSucceeded)
	case StateFailed:
		logger.Warn("job failed", append(fields, zap.String("kind", string(job.Error.Kind)), zap.String("message", job.Error.Message))...)
		m.publish(job, EventFailed)
	case StateCancelled:
		logger.Info("job cancelled", fields...)
		m.publish(job, EventCancelled)
	}
	m.meters.finished(context.Background(), job.State, job.Provider, time.Since(start))
	if m.recorder != nil {
		m.recorder.ObserveJobDuration(string(job.State), job.Provider, time.Since(start))
	}
}

func (m *Manager) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// BuildVideoRequest 把任务转换为服务商请求，附带人设参考图
func BuildVideoRequest(job *Job) *video.Request {
	p := job.Request.Parameters
	req := &video.Request{
		Prompt:          ComposePrompt(job.Request.Prompt, job.Resolution),
		NegativePrompt:  p.NegativePrompt,
		DurationSeconds: p.DurationSeconds,
		AspectRatio:     p.AspectRatio,
		Quality:         p.Quality,
		Seed:            p.Seed,
		Metadata:        map[string]string{"job_id": job.ID},
	}
	if res := job.Resolution; res != nil {
		req.Metadata["emotion"] = string(res.Emotion)
		if res.HasPersona() {
			req.Metadata["persona_ids"] = strings.Join(res.PersonaIDs, ",")
		}
		for _, ref := range res.References {
			req.References = append(req.References, video.Reference{ID: ref.ID, Location: ref.Location})
		}
	}
	req.Normalize()
	return req
}

// ComposePrompt 在原始提示词后追加人设与情绪描述
func ComposePrompt(prompt string, res *persona.ResolvedContext) string {
	if !res.HasPersona() {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	names := res.PersonaNames
	if len(names) == 0 {
		names = res.PersonaIDs
	}
	fmt.Fprintf(&b, "\n\nFeaturing %s.", strings.Join(names, " and "))
	if res.EmotionLabel != "" {
		fmt.Fprintf(&b, " Emotional state: %s, %s.", res.Emotion, res.EmotionLabel)
	}
	b.WriteString(" Keep each person recognizable and consistent with the reference images.")
	return b.String()
}
