package persona

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/cinegen/types"
)

// personaRow 人设表结构
type personaRow struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"size:64;not null;uniqueIndex"`
	Name          string    `gorm:"size:200;not null"`
	Aliases       []string  `gorm:"serializer:json"`
	Description   string    `gorm:"type:text"`
	ConsentStatus string    `gorm:"size:20;not null;default:pending"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (personaRow) TableName() string { return "personas" }

func (r *personaRow) toPersona() Persona {
	return Persona{
		ID:            r.ID,
		Name:          r.Name,
		Aliases:       append([]string(nil), r.Aliases...),
		Description:   r.Description,
		ConsentStatus: ConsentStatus(r.ConsentStatus),
		Seq:           r.Seq,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// AutoMigrate creates or updates the personas table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&personaRow{})
}

// GormRegistry 关系数据库人设目录
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry 创建数据库人设目录
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Create(ctx context.Context, p *Persona) error {
	if err := prepare(p, time.Now().UTC()); err != nil {
		return err
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&personaRow{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
		return types.StoreFailure("persona exists check", err)
	}
	if count > 0 {
		return types.Errorf(types.ErrConflict, "persona %s already exists", p.ID)
	}

	row := personaRow{
		ID:            p.ID,
		Name:          p.Name,
		Aliases:       p.Aliases,
		Description:   p.Description,
		ConsentStatus: string(p.ConsentStatus),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.StoreFailure("create persona", err)
	}
	p.Seq = row.Seq
	return nil
}

func (r *GormRegistry) Get(ctx context.Context, id string) (*Persona, error) {
	var row personaRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrPersonaNotFound, "persona %s not found", id)
	}
	if err != nil {
		return nil, types.StoreFailure("get persona", err)
	}
	p := row.toPersona()
	return &p, nil
}

func (r *GormRegistry) List(ctx context.Context) ([]Persona, error) {
	var rows []personaRow
	if err := r.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, types.StoreFailure("list personas", err)
	}
	out := make([]Persona, len(rows))
	for i := range rows {
		out[i] = rows[i].toPersona()
	}
	return out, nil
}

func (r *GormRegistry) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&personaRow{})
	if res.Error != nil {
		return types.StoreFailure("delete persona", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrPersonaNotFound, "persona %s not found", id)
	}
	return nil
}
