package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/copperline/checkout-backend/pkg/commerce"
	"github.com/copperline/checkout-backend/pkg/environment"
	"github.com/copperline/checkout-backend/pkg/metrics"
	redisclient "github.com/copperline/checkout-backend/pkg/redis"
)

type memoryLedgerStore struct {
	data map[string]string
}

func newMemoryLedgerStore() *memoryLedgerStore {
	return &memoryLedgerStore{data: map[string]string{}}
}

func (m *memoryLedgerStore) Get(_ context.Context, key string) (string, error) {
	value, ok := m.data[key]
	if !ok {
		return "", redisclient.Nil
	}
	return value, nil
}

func (m *memoryLedgerStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.data[key] = value.(string)
	return nil
}

func (m *memoryLedgerStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value.(string)
	return true, nil
}

func (m *memoryLedgerStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryLedgerStore) OrderLedgerKey(paymentID string) string {
	return "checkout:order_ledger:" + paymentID
}

type fakePlatform struct {
	draftOrders []commerce.OrderInput
	realOrders  []commerce.OrderInput
	tagUpdates  []string
	completed   []string
	cancels     map[string]string
	draftErr    error
	realErr     error
	completeErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{cancels: map[string]string{}}
}

func (f *fakePlatform) CreateDraftOrder(_ context.Context, input commerce.OrderInput) (*commerce.Order, error) {
	if f.draftErr != nil {
		return nil, f.draftErr
	}
	f.draftOrders = append(f.draftOrders, input)
	return &commerce.Order{ID: "draft_" + input.PaymentIntentID, Draft: true, Tags: input.Tags}, nil
}

func (f *fakePlatform) CreateOrder(_ context.Context, input commerce.OrderInput) (*commerce.Order, error) {
	if f.realErr != nil {
		return nil, f.realErr
	}
	f.realOrders = append(f.realOrders, input)
	return &commerce.Order{ID: "order_" + input.PaymentIntentID}, nil
}

func (f *fakePlatform) UpdateDraftOrderTags(_ context.Context, orderID string, tags []string, _ string) error {
	f.tagUpdates = append(f.tagUpdates, orderID+":"+strings.Join(tags, ","))
	return nil
}

func (f *fakePlatform) CompleteDraftOrder(_ context.Context, orderID string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, orderID)
	return nil
}

func (f *fakePlatform) CancelDraftOrder(_ context.Context, orderID, reason string) error {
	f.cancels[orderID] = reason
	return nil
}

func (f *fakePlatform) orderCount() int {
	return len(f.draftOrders) + len(f.realOrders)
}

func newTestService(t *testing.T, env environment.Environment) (*Service, *fakePlatform, *memoryLedgerStore) {
	t.Helper()
	store := newMemoryLedgerStore()
	ledger, err := NewLedger(store, time.Hour)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	platform := newFakePlatform()
	svc, err := NewService(ServiceParams{
		Platform:    platform,
		Ledger:      ledger,
		Environment: env,
		Metrics:     metrics.NewCheckoutMetrics(nil),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, platform, store
}

func intentEvent(t *testing.T, eventType stripe.EventType, intent stripe.PaymentIntent, livemode bool) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	return &stripe.Event{
		Type:     eventType,
		Livemode: livemode,
		Data:     &stripe.EventData{Raw: raw},
	}
}

func chargeEvent(t *testing.T, eventType stripe.EventType, charge stripe.Charge) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(charge)
	if err != nil {
		t.Fatalf("marshal charge: %v", err)
	}
	return &stripe.Event{Type: eventType, Data: &stripe.EventData{Raw: raw}}
}

func cardIntent(env string) stripe.PaymentIntent {
	return stripe.PaymentIntent{
		ID:                 "pi_card_1",
		Amount:             4500,
		Currency:           "usd",
		ReceiptEmail:       "buyer@example.com",
		PaymentMethodTypes: []string{"card"},
		Metadata: map[string]string{
			"cart_token":  "cart_1",
			"domain":      "shop.example.com",
			"environment": env,
		},
	}
}

func achIntent(env string) stripe.PaymentIntent {
	intent := cardIntent(env)
	intent.ID = "pi_ach_1"
	intent.PaymentMethodTypes = []string{"us_bank_account"}
	return intent
}

func TestCardSucceededCreatesDraftInNonProduction(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(platform.draftOrders) != 1 || len(platform.realOrders) != 0 {
		t.Fatalf("drafts=%d reals=%d, want draft only", len(platform.draftOrders), len(platform.realOrders))
	}
	if got := platform.draftOrders[0]; got.CartToken != "cart_1" || got.PaymentIntentID != "pi_card_1" {
		t.Fatalf("draft input = %+v", got)
	}
}

func TestCardSucceededCreatesRealOrderInProductionLivemode(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Production)

	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("production"), true)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(platform.realOrders) != 1 || len(platform.draftOrders) != 0 {
		t.Fatalf("drafts=%d reals=%d, want real only", len(platform.draftOrders), len(platform.realOrders))
	}
}

func TestProductionTestmodeEventHeldForReview(t *testing.T) {
	svc, platform, store := newTestService(t, environment.Production)

	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("production"), false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if platform.orderCount() != 0 {
		t.Fatal("testmode event in production must not create any order")
	}
	raw := store.data[store.OrderLedgerKey("pi_card_1")]
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.State != StateManualReview {
		t.Fatalf("ledger entry = %q", raw)
	}
}

func TestDuplicateSucceededEventCreatesOneOrder(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if platform.orderCount() != 1 {
		t.Fatalf("orders = %d, want exactly one", platform.orderCount())
	}
}

func TestEnvironmentMismatchDropsEvent(t *testing.T) {
	svc, platform, store := newTestService(t, environment.Development)

	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("production"), true)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if platform.orderCount() != 0 {
		t.Fatal("mismatched environment must produce zero order mutations")
	}
	if len(store.data) != 0 {
		t.Fatal("mismatched environment must not touch the ledger")
	}
}

func TestMissingEnvironmentTagDropsEvent(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	intent := cardIntent("")
	delete(intent.Metadata, "environment")
	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, intent, false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if platform.orderCount() != 0 {
		t.Fatal("untagged event must not create orders")
	}
}

func TestMissingMetadataAcknowledgedWithoutOrder(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	intent := cardIntent("development")
	intent.ReceiptEmail = ""
	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, intent, false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("missing metadata must still be acknowledged: %v", err)
	}
	if platform.orderCount() != 0 {
		t.Fatal("order created despite missing email")
	}
}

func TestACHLifecycleCompletes(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	processing := intentEvent(t, stripe.EventTypePaymentIntentProcessing, achIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), processing); err != nil {
		t.Fatalf("processing event: %v", err)
	}

	if len(platform.draftOrders) != 1 {
		t.Fatalf("drafts = %d", len(platform.draftOrders))
	}
	draft := platform.draftOrders[0]
	if strings.Join(draft.Tags, ",") != TagACHPayment+","+TagACHPending {
		t.Fatalf("draft tags = %v", draft.Tags)
	}

	clearance := chargeEvent(t, stripe.EventTypeChargeSucceeded, stripe.Charge{
		ID:            "ch_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_ach_1"},
		Metadata:      map[string]string{"environment": "development"},
	})
	if err := svc.HandleEvent(context.Background(), clearance); err != nil {
		t.Fatalf("charge event: %v", err)
	}

	if len(platform.tagUpdates) != 1 || !strings.Contains(platform.tagUpdates[0], TagACHCompleted) {
		t.Fatalf("tag updates = %v", platform.tagUpdates)
	}
	if len(platform.completed) != 1 || platform.completed[0] != "draft_pi_ach_1" {
		t.Fatalf("completed = %v", platform.completed)
	}

	// Redelivered clearance is absorbed without a second completion.
	if err := svc.HandleEvent(context.Background(), clearance); err != nil {
		t.Fatalf("redelivered charge event: %v", err)
	}
	if len(platform.completed) != 1 {
		t.Fatalf("completions after replay = %d", len(platform.completed))
	}
}

func TestACHChargeFailureCancelsDraft(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	processing := intentEvent(t, stripe.EventTypePaymentIntentProcessing, achIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), processing); err != nil {
		t.Fatalf("processing event: %v", err)
	}

	failure := chargeEvent(t, stripe.EventTypeChargeFailed, stripe.Charge{
		ID:             "ch_2",
		PaymentIntent:  &stripe.PaymentIntent{ID: "pi_ach_1"},
		Metadata:       map[string]string{"environment": "development"},
		FailureCode:    "insufficient_funds",
		FailureMessage: "The bank account has insufficient funds.",
	})
	if err := svc.HandleEvent(context.Background(), failure); err != nil {
		t.Fatalf("charge.failed event: %v", err)
	}

	reason, ok := platform.cancels["draft_pi_ach_1"]
	if !ok {
		t.Fatalf("draft not canceled: %v", platform.cancels)
	}
	if !strings.Contains(reason, "insufficient_funds") {
		t.Fatalf("cancel reason = %q", reason)
	}
	if len(platform.completed) != 0 {
		t.Fatal("failed charge must not complete the draft")
	}
}

func TestCardIntentIgnoredByProcessingHandler(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	event := intentEvent(t, stripe.EventTypePaymentIntentProcessing, cardIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if platform.orderCount() != 0 {
		t.Fatal("card intent must not open an ACH draft")
	}
}

func TestCommerceFailureReleasesClaimForRedelivery(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	platform.draftErr = errors.New("upstream 502")
	event := intentEvent(t, stripe.EventTypePaymentIntentSucceeded, cardIntent("development"), false)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("business failure must still acknowledge: %v", err)
	}
	if platform.orderCount() != 0 {
		t.Fatal("order created despite platform failure")
	}

	// The claim was released, so the provider's redelivery succeeds.
	platform.draftErr = nil
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if platform.orderCount() != 1 {
		t.Fatalf("orders after redelivery = %d", platform.orderCount())
	}
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	svc, platform, _ := newTestService(t, environment.Development)

	event := &stripe.Event{Type: "customer.created", Data: &stripe.EventData{Raw: []byte(`{}`)}}
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if platform.orderCount() != 0 {
		t.Fatal("unexpected order")
	}
}

func TestMalformedPayloadReturnsError(t *testing.T) {
	svc, _, _ := newTestService(t, environment.Development)

	event := &stripe.Event{
		Type: stripe.EventTypePaymentIntentSucceeded,
		Data: &stripe.EventData{Raw: []byte(`{not json`)},
	}
	if err := svc.HandleEvent(context.Background(), event); err == nil {
		t.Fatal("malformed payload must surface a decode error")
	}
}
