// Package notify holds the best-effort side effects of a confirmed payment:
// in-app notifications for staff and the order summary email.
package notify

import (
	"context"
	"fmt"

	"mpesa_checkout/internal/model"
)

// Directory is the slice of the store the admin fan-out needs.
type Directory interface {
	UsersWithRoles(ctx context.Context, roles ...model.Role) ([]model.User, error)
	CreateNotifications(ctx context.Context, ns []model.Notification) error
}

// AdminNotifier creates one notification per elevated-role user.
type AdminNotifier struct {
	dir Directory
}

func NewAdminNotifier(dir Directory) *AdminNotifier {
	return &AdminNotifier{dir: dir}
}

// NotifyAdmins returns how many notifications were created.
func (n *AdminNotifier) NotifyAdmins(ctx context.Context, order *model.Order) (int, error) {
	admins, err := n.dir.UsersWithRoles(ctx, model.ElevatedRoles...)
	if err != nil {
		return 0, err
	}
	if len(admins) == 0 {
		return 0, nil
	}

	title, message := paidSummary(order)
	orderID := order.ID
	ns := make([]model.Notification, 0, len(admins))
	for _, a := range admins {
		ns = append(ns, model.Notification{
			UserID:  a.ID,
			OrderID: &orderID,
			Title:   title,
			Message: message,
		})
	}
	if err := n.dir.CreateNotifications(ctx, ns); err != nil {
		return 0, err
	}
	return len(ns), nil
}

func paidSummary(o *model.Order) (string, string) {
	customer := o.User.DisplayName()
	if o.User != nil && o.User.Email != "" && o.User.Email != customer {
		customer = fmt.Sprintf("%s (%s)", customer, o.User.Email)
	}
	title := fmt.Sprintf("New paid order #%s", o.ShortID())
	message := fmt.Sprintf("Order #%s from %s has been paid: %s.", o.ShortID(), customer, FormatKES(o.Total))
	return title, message
}
