package model

import "time"

// Notification 支付成功后按管理员逐个扇出的站内通知。
type Notification struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID  string  `gorm:"size:36;not null;index" json:"user_id"`
	OrderID *string `gorm:"size:36;index" json:"order_id"`
	Title   string  `gorm:"size:128;not null" json:"title"`
	Message string  `gorm:"size:512;not null" json:"message"`
	Read    bool    `gorm:"not null;default:false" json:"read"`
}

func (Notification) TableName() string { return "notifications" }
