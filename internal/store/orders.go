package store

import (
	"context"
	"errors"
	"fmt"

	"mpesa_checkout/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckoutCart loads the user's cart, lets build turn it into an order, then
// persists the order and clears the cart in one transaction. An error from
// build, or any write failure, leaves both cart and orders untouched.
// A user without a cart is handed an empty one.
func (s *Store) CheckoutCart(ctx context.Context, userID string, build func(cart *model.Cart) (*model.Order, error)) (*model.Order, error) {
	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cart model.Cart
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
			Preload("Items.Product").
			Where("user_id = ?", userID).
			First(&cart).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("load cart: %w", err)
			}
			cart = model.Cart{UserID: userID}
		}

		o, err := build(&cart)
		if err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(o).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		for i := range o.Items {
			o.Items[i].OrderID = o.ID
		}
		if len(o.Items) > 0 {
			if err := tx.Omit("Product").Create(&o.Items).Error; err != nil {
				return fmt.Errorf("create order items: %w", err)
			}
		}
		if cart.ID != 0 {
			if err := tx.Where("cart_id = ?", cart.ID).Delete(&model.CartItem{}).Error; err != nil {
				return fmt.Errorf("clear cart: %w", err)
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// TransitionOrder moves an order from one status to another. It reports false
// when the order was not in the from status.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition order %s: %w", orderID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// OrderDetail loads an order with its user, items (and products) and transactions.
func (s *Store) OrderDetail(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Items.Product").
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", orderID).
		First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}
