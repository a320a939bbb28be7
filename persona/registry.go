package persona

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/cinegen/types"
)

// Registry 人设目录。List 按创建顺序返回（目录顺序）
type Registry interface {
	Create(ctx context.Context, p *Persona) error
	Get(ctx context.Context, id string) (*Persona, error)
	List(ctx context.Context) ([]Persona, error)
	Delete(ctx context.Context, id string) error
}

// Lookup 按 ID 或名称/别名（大小写不敏感）查找人设
func Lookup(catalog []Persona, ref string) (*Persona, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	for i := range catalog {
		if catalog[i].ID == ref {
			return &catalog[i], true
		}
	}
	for i := range catalog {
		for _, n := range catalog[i].Names() {
			if strings.EqualFold(n, ref) {
				return &catalog[i], true
			}
		}
	}
	return nil, false
}

// prepare 校验并补全新人设字段
func prepare(p *Persona, now time.Time) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return types.Validation("persona name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ConsentStatus == "" {
		p.ConsentStatus = ConsentPending
	}
	if !p.ConsentStatus.Valid() {
		return types.Validation("invalid consent_status %q", p.ConsentStatus)
	}
	aliases := make([]string, 0, len(p.Aliases))
	for _, a := range p.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			aliases = append(aliases, a)
		}
	}
	p.Aliases = aliases
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

// MemoryRegistry 内存人设目录
type MemoryRegistry struct {
	mu       sync.RWMutex
	personas map[string]*Persona
	seq      int64
}

// NewMemoryRegistry 创建内存人设目录
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{personas: make(map[string]*Persona)}
}

func (r *MemoryRegistry) Create(ctx context.Context, p *Persona) error {
	if err := prepare(p, time.Now().UTC()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.personas[p.ID]; ok {
		return types.Errorf(types.ErrConflict, "persona %s already exists", p.ID)
	}
	r.seq++
	p.Seq = r.seq
	cp := *p
	cp.Aliases = append([]string(nil), p.Aliases...)
	r.personas[p.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[id]
	if !ok {
		return nil, types.Errorf(types.ErrPersonaNotFound, "persona %s not found", id)
	}
	cp := *p
	cp.Aliases = append([]string(nil), p.Aliases...)
	return &cp, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		cp := *p
		cp.Aliases = append([]string(nil), p.Aliases...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.personas[id]; !ok {
		return types.Errorf(types.ErrPersonaNotFound, "persona %s not found", id)
	}
	delete(r.personas, id)
	return nil
}
