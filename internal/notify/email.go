package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"mpesa_checkout/internal/config"
	"mpesa_checkout/internal/model"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends the order summary to the operations mailbox over SMTP.
type Mailer struct {
	cfg  config.EmailConfig
	send sendFunc
}

func NewMailer(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

var orderTmpl = template.Must(template.New("order").Parse(`<h2>New order #{{.ShortID}}</h2>
<p>Placed {{.PlacedAt}} by {{.Customer}}</p>
<table cellpadding="6" border="1" style="border-collapse:collapse">
<tr><th>Customer</th><td>{{.Customer}}</td></tr>
<tr><th>Email</th><td>{{.Email}}</td></tr>
<tr><th>Phone</th><td>{{.Phone}}</td></tr>
<tr><th>M-Pesa receipt</th><td>{{.Receipt}}</td></tr>
</table>
<h3>Items</h3>
<table cellpadding="6" border="1" style="border-collapse:collapse">
<tr><th>Product</th><th>Qty</th><th>Unit price</th><th>Subtotal</th></tr>
{{range .Lines}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.Subtotal}}</td></tr>
{{end}}</table>
<p><strong>Total: {{.Total}}</strong></p>
`))

type emailLine struct {
	Name      string
	Quantity  int
	UnitPrice string
	Subtotal  string
}

type emailData struct {
	ShortID  string
	PlacedAt string
	Customer string
	Email    string
	Phone    string
	Receipt  string
	Lines    []emailLine
	Total    string
}

// SendOrderEmail reports false without error when no credential is configured.
func (m *Mailer) SendOrderEmail(ctx context.Context, order *model.Order) (bool, error) {
	if !m.cfg.Enabled() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	body, err := renderOrder(order)
	if err != nil {
		return false, fmt.Errorf("render order email: %w", err)
	}
	subject := fmt.Sprintf("New order #%s - %s", order.ShortID(), FormatKES(order.Total))

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", m.cfg.OrdersTo)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.Write(body)

	addr := net.JoinHostPort(m.cfg.SMTPHost, strconv.Itoa(m.cfg.SMTPPort))
	auth := smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	if err := m.send(addr, auth, m.cfg.From, []string{m.cfg.OrdersTo}, msg.Bytes()); err != nil {
		return false, fmt.Errorf("send order email: %w", err)
	}
	return true, nil
}

func renderOrder(o *model.Order) ([]byte, error) {
	data := emailData{
		ShortID:  o.ShortID(),
		PlacedAt: o.CreatedAt.Format(time.RFC1123),
		Customer: o.User.DisplayName(),
		Total:    FormatKES(o.Total),
		Phone:    "-",
		Receipt:  "-",
		Email:    "-",
	}
	if o.User != nil && o.User.Email != "" {
		data.Email = o.User.Email
	}
	// no shipping record: the payer's phone is the contact number
	if t := o.PaidTransaction(); t != nil {
		if t.PhoneNumber != "" {
			data.Phone = t.PhoneNumber
		}
		if t.ReceiptNumber != nil {
			data.Receipt = *t.ReceiptNumber
		}
	}
	for _, it := range o.Items {
		name := fmt.Sprintf("Product %d", it.ProductID)
		if it.Product != nil {
			name = it.Product.Name
		}
		data.Lines = append(data.Lines, emailLine{
			Name:      name,
			Quantity:  it.Quantity,
			UnitPrice: FormatKES(it.UnitPrice),
			Subtotal:  FormatKES(it.Subtotal()),
		})
	}

	var buf bytes.Buffer
	if err := orderTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
