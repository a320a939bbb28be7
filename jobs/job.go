package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/cinegen/persona"
	"github.com/BaSui01/cinegen/types"
	"github.com/BaSui01/cinegen/video"
)

// State 任务状态
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// States 全部状态，按生命周期顺序
var States = []State{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled, StateQueued},
}

// Terminal 终态不再变化
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid 是否为已知状态
func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState 解析状态字符串，空串返回空状态
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if st == "" || st.Valid() {
		return st, nil
	}
	return "", types.Validation("unknown job state %q", s)
}

// Parameters 生成参数
type Parameters struct {
	Quality            string `json:"quality,omitempty"`
	DurationSeconds    int    `json:"duration_seconds,omitempty"`
	AspectRatio        string `json:"aspect_ratio,omitempty"`
	ProviderPreference string `json:"provider_preference,omitempty"`
	NegativePrompt     string `json:"negative_prompt,omitempty"`
	Seed               int64  `json:"seed,omitempty"`
	// Emotion 覆盖关键词推断的情绪
	Emotion string `json:"emotion,omitempty"`
	// DefaultPolicy 覆盖服务端配置的无人设策略
	DefaultPolicy string `json:"default_policy,omitempty"`
}

// 参数范围
const (
	MaxPromptLength    = 4000
	MaxDurationSeconds = 120
)

var validQualities = map[string]bool{"": true, "sd": true, "hd": true, "4k": true}

// Request 一次生成请求，创建任务后不可变
type Request struct {
	Prompt     string     `json:"prompt"`
	PersonaIDs []string   `json:"persona_ids,omitempty"`
	Parameters Parameters `json:"parameters"`
}

// Normalize 去除首尾空白并补全默认值
func (r *Request) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	ids := r.PersonaIDs[:0]
	for _, id := range r.PersonaIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	r.PersonaIDs = ids
	p := &r.Parameters
	p.Quality = strings.ToLower(strings.TrimSpace(p.Quality))
	p.ProviderPreference = strings.ToLower(strings.TrimSpace(p.ProviderPreference))
	if p.Quality == "" {
		p.Quality = video.DefaultQuality
	}
	if p.DurationSeconds == 0 {
		p.DurationSeconds = video.DefaultDurationSeconds
	}
	if p.AspectRatio == "" {
		p.AspectRatio = video.DefaultAspectRatio
	}
}

// Validate 校验请求，错误为 validation_error
func (r *Request) Validate() error {
	if r.Prompt == "" {
		return types.Validation("prompt is required")
	}
	if len(r.Prompt) > MaxPromptLength {
		return types.Validation("prompt exceeds %d characters", MaxPromptLength)
	}
	p := r.Parameters
	if p.DurationSeconds < 0 || p.DurationSeconds > MaxDurationSeconds {
		return types.Validation("duration_seconds must be between 1 and %d", MaxDurationSeconds)
	}
	if !validQualities[p.Quality] {
		return types.Validation("unsupported quality %q", p.Quality)
	}
	switch p.AspectRatio {
	case "", "16:9", "9:16", "1:1":
	default:
		return types.Validation("unsupported aspect_ratio %q", p.AspectRatio)
	}
	if p.Emotion != "" {
		if _, ok := persona.ParseEmotion(p.Emotion); !ok {
			return types.Validation("unsupported emotion %q", p.Emotion)
		}
	}
	if p.DefaultPolicy != "" && !persona.DefaultPolicy(p.DefaultPolicy).Valid() {
		return types.Validation("unsupported default_policy %q", p.DefaultPolicy)
	}
	return nil
}

// ErrorRecord 任务失败原因，kind 稳定，message 供人阅读
type ErrorRecord struct {
	Kind      types.ErrorKind `json:"kind"`
	Message   string          `json:"message"`
	Provider  string          `json:"provider,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// NewErrorRecord 把错误收敛为 ErrorRecord
func NewErrorRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	rec := &ErrorRecord{Kind: types.KindOf(err), Message: err.Error()}
	if e, ok := types.AsError(err); ok {
		rec.Message = e.Message
		rec.Provider = e.Provider
		rec.Retryable = e.Retryable
	}
	return rec
}

// Job 生成任务。只由 Store 持有，worker 与取消操作通过 Store.Update 修改
type Job struct {
	ID              string                   `json:"job_id"`
	Request         Request                  `json:"request"`
	Resolution      *persona.ResolvedContext `json:"resolution,omitempty"`
	State           State                    `json:"state"`
	Attempts        int                      `json:"attempts"`
	MaxAttempts     int                      `json:"max_attempts"`
	Provider        string                   `json:"provider,omitempty"`
	OperationID     string                   `json:"provider_operation_id,omitempty"`
	Result          *video.Result            `json:"result,omitempty"`
	Error           *ErrorRecord             `json:"error,omitempty"`
	LastError       *ErrorRecord             `json:"last_error,omitempty"`
	CancelRequested bool                     `json:"cancel_requested,omitempty"`
	Progress        int                      `json:"progress"`
	CurrentStep     string                   `json:"current_step,omitempty"`
	Seq             int64                    `json:"seq"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
}

// Terminal 任务是否已结束
func (j *Job) Terminal() bool { return j.State.Terminal() }

// Clone 深拷贝
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		cp := *j
		return &cp
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *j
		return &cp
	}
	return &out
}

// Transition 迁移状态并维护时间戳，非法迁移返回 ErrInvalidTransition
func (j *Job) Transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	switch {
	case to == StateRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case to.Terminal():
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// step 更新进度描述
func (j *Job) step(progress int, step string, now time.Time) {
	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	j.UpdatedAt = now
}

// Filter List 的过滤条件
type Filter struct {
	State  State `json:"state,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

// DefaultListLimit List 未指定 limit 时的默认值
const DefaultListLimit = 50

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
