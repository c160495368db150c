package store

import (
	"context"
	"fmt"

	"mpesa_checkout/internal/model"
)

// UsersWithRoles lists users holding any of roles.
func (s *Store) UsersWithRoles(ctx context.Context, roles ...model.Role) ([]model.User, error) {
	var users []model.User
	if err := s.db.WithContext(ctx).Where("role IN ?", roles).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	return users, nil
}

// CreateNotifications inserts ns in one batch.
func (s *Store) CreateNotifications(ctx context.Context, ns []model.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&ns).Error; err != nil {
		return fmt.Errorf("create notifications: %w", err)
	}
	return nil
}
