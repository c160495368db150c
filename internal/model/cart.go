package model

import "time"

// Cart is the pre-order state of a user. It is cleared when an order is created.
type Cart struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID string     `gorm:"size:36;not null;uniqueIndex" json:"user_id"`
	Items  []CartItem `json:"items"`
}

func (Cart) TableName() string { return "carts" }

type CartItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CartID    uint     `gorm:"not null;index" json:"cart_id"`
	ProductID uint     `gorm:"not null;index" json:"product_id"`
	Product   *Product `json:"product,omitempty"`
	Quantity  int      `gorm:"not null;default:1" json:"quantity"`
}

func (CartItem) TableName() string { return "cart_items" }
