package redis

import "fmt"

// CallbackLockKey 同一 checkout_request_id 的回调处理互斥锁。
func CallbackLockKey(checkoutRequestID string) string {
	return fmt.Sprintf("payments:callback:lock:%s", checkoutRequestID)
}

// AccessTokenKey 多副本共享的网关访问令牌。
func AccessTokenKey() string {
	return "payments:gateway:access_token"
}

// CheckoutRateKey 按用户统计下单频率。
func CheckoutRateKey(userID string) string {
	return fmt.Sprintf("rate_limit:checkout:user:%s", userID)
}

// CheckoutRateIPKey 无法识别用户时按 IP 降级限流。
func CheckoutRateIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:checkout:ip:%s", ip)
}
