package utils

import (
	"context"

	"github.com/mmdatafocus/clinic_backend/config"
)

// check if id exists, using ctx's clinic_id in WHERE, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, clinicId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, clinicId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

func ResourceCountWhere[T any](ctx context.Context, clinicId string, cond string, values ...interface{}) (int64, error) {
	db := config.GetDB()
	var model T
	var count int64
	err := db.WithContext(ctx).Model(&model).
		Where("clinic_id = ?", clinicId).
		Where(cond, values...).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
