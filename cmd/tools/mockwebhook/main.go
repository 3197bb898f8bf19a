package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	stripewebhook "github.com/stripe/stripe-go/v80/webhook"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/asaas"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway/stripe"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/money"
)

// mockwebhook sends a signed provider notification to a running checkout orchestrator.
//
//	go run ./cmd/tools/mockwebhook -provider asaas -type PAYMENT_RECEIVED -ref pay_123 -amount 7000
//	go run ./cmd/tools/mockwebhook -provider stripe -type payment_intent.succeeded -ref pi_123 -amount 7000
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Orchestrator base URL")
	provider := flag.String("provider", asaas.Name, "Provider (asaas, stripe)")
	secret := flag.String("secret", "", "Webhook token (asaas) or signing secret (stripe); defaults to ASAAS_WEBHOOK_TOKEN / STRIPE_WEBHOOK_SECRET")
	eventID := flag.String("event-id", "", "Provider event ID (random when empty)")
	eventType := flag.String("type", "", "Provider event type")
	ref := flag.String("ref", "", "Gateway charge reference")
	amount := flag.Int64("amount", 0, "Amount in cents")
	fullRefund := flag.Bool("full", true, "stripe charge.refunded: refund is complete")
	dryRun := flag.Bool("dry-run", false, "Only print headers and body, don't send")

	flag.Parse()

	if *ref == "" {
		fail("Error: -ref is required\n")
	}
	if *eventID == "" {
		*eventID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}

	var (
		body   []byte
		header string
		value  string
		err    error
	)
	switch *provider {
	case asaas.Name:
		if *secret == "" {
			*secret = os.Getenv("ASAAS_WEBHOOK_TOKEN")
		}
		if *eventType == "" {
			*eventType = "PAYMENT_RECEIVED"
		}
		body, err = asaasBody(*eventID, *eventType, *ref, *amount)
		header, value = asaas.SignatureHeader, *secret
	case stripe.Name:
		if *secret == "" {
			*secret = os.Getenv("STRIPE_WEBHOOK_SECRET")
		}
		if *eventType == "" {
			*eventType = "payment_intent.succeeded"
		}
		body, err = stripeBody(*eventID, *eventType, *ref, *amount, *fullRefund)
		if err == nil {
			signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
				Payload:   body,
				Secret:    *secret,
				Timestamp: time.Now(),
			})
			header, value = stripe.SignatureHeader, signed.Header
		}
	default:
		fail("Error: unknown provider %q\n", *provider)
	}
	if err != nil {
		fail("Error building payload: %v\n", err)
	}
	if *secret == "" {
		fail("Error: secret not provided and not set in the environment\n")
	}

	fmt.Printf("%s: %s\n", header, value)
	fmt.Printf("Body: %s\n", string(body))

	if *dryRun {
		fmt.Println("\n[DRY RUN] Not sending request")
		return
	}

	url := strings.TrimRight(*baseURL, "/") + "/webhooks/" + *provider
	fmt.Printf("\nSending to %s...\n", url)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fail("Error creating request: %v\n", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, value)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail("Error sending request: %v\n", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status: %d\n", resp.StatusCode)
	fmt.Printf("Response: %s\n", string(respBody))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func asaasBody(eventID, eventType, ref string, cents int64) ([]byte, error) {
	value := json.Number(money.New(cents, "BRL").Decimal().StringFixed(2))
	payment := map[string]any{
		"id":     ref,
		"value":  value,
		"status": strings.TrimPrefix(eventType, "PAYMENT_"),
	}
	if eventType == "PAYMENT_PARTIALLY_REFUNDED" {
		payment["refunds"] = []map[string]any{{"value": value}}
	}
	return json.Marshal(map[string]any{
		"id":      eventID,
		"event":   eventType,
		"payment": payment,
	})
}

func stripeBody(eventID, eventType, ref string, cents int64, full bool) ([]byte, error) {
	object := map[string]any{"id": ref, "object": "payment_intent", "amount": cents, "amount_received": cents}
	if eventType == "charge.refunded" {
		object = map[string]any{
			"id":              "ch_" + strings.TrimPrefix(ref, "pi_"),
			"object":          "charge",
			"payment_intent":  ref,
			"amount_refunded": cents,
			"refunded":        full,
		}
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
