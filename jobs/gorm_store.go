package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/cinegen/types"
)

// jobRow 任务表。查询用到的字段单独成列，完整快照以 JSON 存在 data 列
type jobRow struct {
	Seq         int64      `gorm:"primaryKey;autoIncrement;index:idx_generation_jobs_state_seq,priority:2"`
	ID          string     `gorm:"size:64;not null;uniqueIndex"`
	State       string     `gorm:"size:16;not null;index:idx_generation_jobs_state_seq,priority:1"`
	Version     int64      `gorm:"not null;default:0"`
	Data        string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
	CompletedAt *time.Time `gorm:"index"`
}

func (jobRow) TableName() string { return "generation_jobs" }

func (r *jobRow) toJob() (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(r.Data), &job); err != nil {
		return nil, err
	}
	job.Seq = r.Seq
	return &job, nil
}

// AutoMigrate creates or updates the generation_jobs table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{})
}

// GormStore 关系数据库任务存储，使用 version 列做乐观并发控制
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建数据库任务存储。表需已存在（AutoMigrate 或 SQL 迁移）
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_job_store"))}
}

func (s *GormStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return types.Validation("job id is required")
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
		return storeErr("job exists check", err)
	}
	if count > 0 {
		return types.Errorf(types.ErrConflict, "job %q already exists", job.ID)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return storeErr("marshal job", err)
	}
	row := jobRow{
		ID:          job.ID,
		State:       string(job.State),
		Data:        string(data),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storeErr("create job", err)
	}
	job.Seq = row.Seq
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	row, err := s.row(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	job, err := row.toJob()
	if err != nil {
		return nil, storeErr("decode job", err)
	}
	return job, nil
}

func (s *GormStore) row(tx *gorm.DB, id string) (*jobRow, error) {
	var row jobRow
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return &row, nil
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	filter = filter.normalized()

	q := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	var rows []jobRow
	if err := q.Order("seq DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, storeErr("list jobs", err)
	}

	out := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			s.logger.Warn("skipping undecodable job", zap.String("job_id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(job *Job) error) (*Job, error) {
	for i := 0; i < maxTxRetries; i++ {
		row, err := s.row(s.db.WithContext(ctx), id)
		if err != nil {
			return nil, err
		}
		cur, err := row.toJob()
		if err != nil {
			return nil, storeErr("decode job", err)
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.ID, next.Seq = cur.ID, cur.Seq

		data, err := json.Marshal(next)
		if err != nil {
			return nil, storeErr("marshal job", err)
		}
		res := s.db.WithContext(ctx).Model(&jobRow{}).
			Where("id = ? AND version = ?", id, row.Version).
			Updates(map[string]any{
				"state":        string(next.State),
				"data":         string(data),
				"version":      row.Version + 1,
				"updated_at":   next.UpdatedAt,
				"completed_at": next.CompletedAt,
			})
		if res.Error != nil {
			return nil, storeErr("update job", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		// 版本冲突，重新读取
	}
	return nil, types.StoreFailure("update job", errors.New("too many concurrent updates"))
}

func (s *GormStore) ClaimNext(ctx context.Context) (*Job, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("state = ?", string(StateQueued)).
		Order("seq ASC").
		Limit(claimWindow).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	for _, id := range ids {
		job, err := s.Update(ctx, id, claimFn(time.Now().UTC()))
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, errNotQueued), errors.Is(err, types.KindNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (s *GormStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("state IN ? AND completed_at IS NOT NULL AND completed_at < ?",
			[]string{string(StateSucceeded), string(StateFailed), string(StateCancelled)}, before).
		Delete(&jobRow{})
	if res.Error != nil {
		return 0, storeErr("cleanup jobs", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Stats(ctx context.Context) (map[State]int, error) {
	var rows []struct {
		State string
		N     int
	}
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("job stats", err)
	}
	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for _, r := range rows {
		out[State(r.State)] = r.N
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	return storeErr("ping", sqlDB.PingContext(ctx))
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormStore) Close() error { return nil }

var _ Store = (*GormStore)(nil)
