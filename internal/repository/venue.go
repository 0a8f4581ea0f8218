package repository

import (
	"context"
	"errors"

	"github.com/user/screenings/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VenueRepository 影院仓库
type VenueRepository struct {
	db *gorm.DB
}

// NewVenueRepository 创建影院仓库
func NewVenueRepository(db *gorm.DB) *VenueRepository {
	return &VenueRepository{db: db}
}

// Upsert 写入影院信息。适配器没有提供的可选字段不会覆盖已有值
func (r *VenueRepository) Upsert(ctx context.Context, v *model.Venue) error {
	updates := []string{"updated_at"}
	if v.Name != "" {
		updates = append(updates, "name")
	}
	if v.City != nil {
		updates = append(updates, "city")
	}
	if v.Address != nil {
		updates = append(updates, "address")
	}
	if v.Postcode != nil {
		updates = append(updates, "postcode")
	}
	if v.Website != nil {
		updates = append(updates, "website")
	}
	if v.Timezone != "" {
		updates = append(updates, "timezone")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(v).Error
}

// FindByID 根据 ID 查找影院
func (r *VenueRepository) FindByID(ctx context.Context, id string) (*model.Venue, error) {
	var v model.Venue
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListEnabled 获取所有启用的影院
func (r *VenueRepository) ListEnabled(ctx context.Context) ([]model.Venue, error) {
	var venues []model.Venue
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&venues).Error
	return venues, err
}
