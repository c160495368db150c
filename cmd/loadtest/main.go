package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

const ackBody = `{"ResultCode":0,"ResultDesc":"Accepted"}`

// 幂等压测：对同一个 CheckoutRequestID 并发重放回调，
// 预期全部返回 Accepted，订单只结算一次。
func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	userID := flag.String("user", "", "X-User-ID for checkout and status lookup")
	amount := flag.String("amount", "", "cart total to check out; empty skips checkout")
	phone := flag.String("phone", "0712345678", "payer phone for checkout")
	checkoutID := flag.String("checkout", "", "existing CheckoutRequestID to replay")
	resultCode := flag.Int("result", 0, "ResultCode to deliver (0 = paid)")
	n := flag.Int("n", 100, "callback deliveries")
	concurrency := flag.Int("c", 20, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	if *amount != "" {
		id, err := checkout(client, *baseURL, *userID, *amount, *phone)
		if err != nil {
			fmt.Fprintln(os.Stderr, "checkout failed:", err)
			os.Exit(1)
		}
		fmt.Println("checkout ok, checkout_request_id:", id)
		*checkoutID = id
	}
	if *checkoutID == "" {
		fmt.Fprintln(os.Stderr, "need -checkout or -amount")
		os.Exit(2)
	}

	fmt.Printf("start callback replay: checkout=%s deliveries=%d concurrency=%d result=%d\n", *checkoutID, *n, *concurrency, *resultCode)
	body := callbackBody(*checkoutID, *resultCode)
	results := runReplay(client, *baseURL, body, *n, *concurrency)
	printSummary("replay", results)

	if *userID != "" {
		status, err := getStatus(client, *baseURL, *checkoutID, *userID)
		if err != nil {
			fmt.Println("status check err:", err)
		} else {
			fmt.Println("final payment status:", status)
		}
	}
}

func runReplay(client *http.Client, baseURL string, body []byte, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = postOnce(client, baseURL+"/api/payments/mpesa/callback", body, nil)
		}(i)
	}

	wg.Wait()
	return results
}

func callbackBody(checkoutID string, code int) []byte {
	cb := map[string]any{
		"MerchantRequestID": "loadtest",
		"CheckoutRequestID": checkoutID,
		"ResultCode":        code,
		"ResultDesc":        "Request cancelled by user",
	}
	if code == 0 {
		cb["ResultDesc"] = "The service request is processed successfully."
		cb["CallbackMetadata"] = map[string]any{"Item": []map[string]any{
			{"Name": "MpesaReceiptNumber", "Value": "LOADTEST01"},
			{"Name": "TransactionDate", "Value": time.Now().Format("20060102150405")},
		}}
	}
	b, _ := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": cb}})
	return b
}

func postOnce(client *http.Client, url string, body []byte, headers map[string]string) Result {
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// printSummary 聚合输出状态码分布，并统计非 Accepted 的回调响应。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount, notAcked := 0, 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		if r.Status != http.StatusOK || !sameJSON(r.Body, ackBody) {
			notAcked++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 429, 500, 502} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
	fmt.Printf("  not acknowledged -> %d\n", notAcked)
}

func sameJSON(a, b string) bool {
	var x, y any
	if json.Unmarshal([]byte(a), &x) != nil || json.Unmarshal([]byte(b), &y) != nil {
		return false
	}
	xb, _ := json.Marshal(x)
	yb, _ := json.Marshal(y)
	return bytes.Equal(xb, yb)
}

// checkout 下单并返回 CheckoutRequestID。
func checkout(client *http.Client, baseURL, userID, amount, phone string) (string, error) {
	body, _ := json.Marshal(map[string]any{"amount": json.Number(amount), "phone_number": phone})
	r := postOnce(client, baseURL+"/api/checkout", body, map[string]string{"X-User-ID": userID})
	if r.Err != nil {
		return "", r.Err
	}
	if r.Status >= 300 {
		return "", fmt.Errorf("status=%d body=%s", r.Status, r.Body)
	}
	var out struct {
		Data struct {
			CheckoutRequestID string `json:"checkout_request_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(r.Body), &out); err != nil {
		return "", err
	}
	return out.Data.CheckoutRequestID, nil
}

// getStatus 查询支付状态，用于重放后确认只结算了一次。
func getStatus(client *http.Client, baseURL, checkoutID, userID string) (string, error) {
	req, _ := http.NewRequest(http.MethodGet, baseURL+"/api/payments/"+checkoutID, nil)
	req.Header.Set("X-User-ID", userID)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			Status      string `json:"status"`
			OrderStatus string `json:"order_status"`
			Receipt     string `json:"receipt_number"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (order %s, receipt %q)", out.Data.Status, out.Data.OrderStatus, out.Data.Receipt), nil
}
